//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/contextstore"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

type entryView struct {
	ID             uint64    `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Priority       string    `json:"priority"`
	Tier           string    `json:"tier,omitempty"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    uint64    `json:"access_count"`
	Truncated      bool      `json:"truncated,omitempty"`
	Content        string    `json:"content"`
}

func viewEntry(e *entry.Entry) entryView {
	v := entryView{
		ID:             e.ID,
		SessionID:      e.SessionID,
		Role:           e.Role.String(),
		Priority:       e.Priority.String(),
		TokenCount:     e.TokenCount,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		Truncated:      e.Truncated,
		Content:        e.Content,
	}
	if e.Tier != 0 {
		v.Tier = e.Tier.String()
	}
	return v
}

type recordCommand struct {
	Session  string `long:"session" short:"s" description:"session id, a new session is created when empty"`
	Role     string `long:"role" description:"user, assistant, tool-result or system-note" default:"user"`
	Priority string `long:"priority" description:"low, normal, high or critical" default:"normal"`
	Args     struct {
		Content string `positional-arg-name:"content" description:"entry content, read from stdin when empty or -"`
	} `positional-args:"yes"`
}

func (c *recordCommand) Execute(_ []string) error {
	role, err := entry.ParseRole(c.Role)
	if err != nil {
		return err
	}
	priority, err := entry.ParsePriority(c.Priority)
	if err != nil {
		return err
	}

	content := c.Args.Content
	if content == "" || content == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "read content from stdin")
		}
		content = strings.TrimRight(string(data), "\n")
	}

	return run(false, func(ctx context.Context, a *app) error {
		session := c.Session
		if session == "" {
			s, err := a.manager.CreateSession()
			if err != nil {
				return err
			}
			session = s.ID
		}

		e, err := a.manager.Record(ctx, session, role, content, priority)
		if err != nil {
			return err
		}
		return emit(viewEntry(e))
	})
}

type recallCommand struct {
	Session string        `long:"session" short:"s" description:"session id" required:"yes"`
	Budget  int           `long:"budget" short:"b" description:"token budget" default:"4000"`
	Timeout time.Duration `long:"timeout" description:"give up and return a partial result after this long"`
}

type recallView struct {
	SessionID   string      `json:"session_id"`
	Budget      int         `json:"budget"`
	TotalTokens int         `json:"total_tokens"`
	Partial     bool        `json:"partial,omitempty"`
	Overflow    bool        `json:"overflow,omitempty"`
	Missing     []uint64    `json:"missing,omitempty"`
	Entries     []entryView `json:"entries"`
}

func (c *recallCommand) Execute(_ []string) error {
	return run(false, func(ctx context.Context, a *app) error {
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}

		res, err := a.manager.Recall(ctx, c.Session, c.Budget)
		if err != nil {
			return err
		}

		out := recallView{
			SessionID:   res.SessionID,
			Budget:      res.Budget,
			TotalTokens: res.TotalTokens,
			Partial:     res.Partial,
			Overflow:    res.Overflow,
			Missing:     res.Missing,
			Entries:     make([]entryView, len(res.Entries)),
		}
		for i, e := range res.Entries {
			out.Entries[i] = viewEntry(e)
		}
		return emit(out)
	})
}

type statsCommand struct {
	Session string `long:"session" short:"s" description:"session id, all sessions when empty"`
}

func (c *statsCommand) Execute(_ []string) error {
	return run(false, func(ctx context.Context, a *app) error {
		stats, err := a.manager.Stats(c.Session)
		if err != nil {
			return err
		}
		return emit(stats)
	})
}

type sessionsCommand struct{}

func (c *sessionsCommand) Execute(_ []string) error {
	return run(false, func(ctx context.Context, a *app) error {
		for _, s := range a.manager.Sessions() {
			if err := emit(s); err != nil {
				return err
			}
		}
		return nil
	})
}

type pruneCommand struct {
	Session     string        `long:"session" short:"s" description:"session id" required:"yes"`
	OlderThan   time.Duration `long:"older-than" description:"only prune entries older than this"`
	MaxPriority string        `long:"max-priority" description:"highest priority to prune: low, normal or high" default:"high"`
	KeepLast    int           `long:"keep-last" description:"always keep the newest N entries"`
}

func (c *pruneCommand) Execute(_ []string) error {
	priority, err := entry.ParsePriority(c.MaxPriority)
	if err != nil {
		return err
	}

	return run(false, func(ctx context.Context, a *app) error {
		res, err := a.manager.Prune(ctx, c.Session, contextstore.PrunePolicy{
			OlderThan:   c.OlderThan,
			MaxPriority: priority,
			KeepLast:    c.KeepLast,
		})
		if err != nil {
			return err
		}
		return emit(res)
	})
}

type compactCommand struct{}

type compactView struct {
	contextstore.HealthReport
	Failures []string `json:"failures,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (c *compactCommand) Execute(_ []string) error {
	return run(false, func(ctx context.Context, a *app) error {
		report, err := a.manager.Compact(ctx)
		out := compactView{HealthReport: report}
		for _, f := range report.Failures {
			out.Failures = append(out.Failures, f.Error())
		}
		if err != nil {
			out.Error = err.Error()
		}
		if eerr := emit(out); eerr != nil {
			return eerr
		}
		return err
	})
}

type replayCommand struct {
	WithContent bool `long:"with-content" description:"include entry content"`
}

type recordView struct {
	Position wal.Position `json:"position"`
	Type     string       `json:"type"`
	Entry    *entryView   `json:"entry,omitempty"`
	IDs      []uint64     `json:"ids,omitempty"`
}

func (c *replayCommand) Execute(_ []string) error {
	return run(false, func(ctx context.Context, a *app) error {
		for rec, err := range a.manager.Replay() {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			out := recordView{Position: rec.Position, Type: rec.Type.String(), IDs: rec.IDs}
			if rec.Entry != nil {
				v := viewEntry(rec.Entry)
				if !c.WithContent {
					v.Content = ""
				}
				out.Entry = &v
			}
			if err := emit(out); err != nil {
				return err
			}
		}
		return nil
	})
}

type metricsCommand struct {
	Listen string `long:"listen" description:"metrics listen address, overrides the config"`
}

func (c *metricsCommand) Execute(_ []string) error {
	return run(true, func(ctx context.Context, a *app) error {
		addr := a.cfg.Monitoring.Listen
		if c.Listen != "" {
			addr = c.Listen
		}
		return monitoring.Serve(ctx, addr, a.registry, a.metrics, a.logger)
	})
}
