//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package tokens computes the token cost of entry content once, at record
// time, so budgets never need re-tokenization.
package tokens

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/tiktoken-go"
)

const (
	EncodingHeuristic = "heuristic"
	DefaultEncoding   = "cl100k_base"

	// chat formats wrap every message in a few framing tokens
	perMessageOverhead = 3
)

type Counter interface {
	Count(content string) int
}

// CounterFunc adapts a plain function to a Counter.
type CounterFunc func(content string) int

func (f CounterFunc) Count(content string) int {
	return f(content)
}

// Heuristic approximates BPE tokenizers at one token per four bytes.
type Heuristic struct{}

func (Heuristic) Count(content string) int {
	if content == "" {
		return perMessageOverhead
	}
	return perMessageOverhead + (len(content)+3)/4
}

type tiktokenCounter struct {
	sync.Mutex
	tke *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(content string) int {
	// the encoder is not documented as safe for concurrent use
	c.Lock()
	defer c.Unlock()

	return perMessageOverhead + len(c.tke.Encode(content, nil, nil))
}

// New returns the counter for the named encoding. An encoding that cannot be
// loaded falls back to the heuristic counter and logs a warning, token
// accounting is never a reason to refuse writes.
func New(encoding string, logger logrus.FieldLogger) Counter {
	if encoding == EncodingHeuristic {
		return Heuristic{}
	}
	if encoding == "" {
		encoding = DefaultEncoding
	}

	tke, err := load(encoding)
	if err != nil {
		logger.WithField("action", "tokens_load_encoding").
			WithField("encoding", encoding).
			WithError(err).
			Warn("falling back to heuristic token counts")
		return Heuristic{}
	}

	return &tiktokenCounter{tke: tke}
}

func load(encoding string) (*tiktoken.Tiktoken, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err == nil {
		return tke, nil
	}

	// allow model names as well, e.g. "gpt-4"
	tke, modelErr := tiktoken.EncodingForModel(encoding)
	if modelErr != nil {
		return nil, errors.Wrapf(err, "load encoding %q", encoding)
	}
	return tke, nil
}
