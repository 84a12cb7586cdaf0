//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package hot

import (
	"math"
	"time"

	"github.com/tedcli/ted-context/entities/entry"
)

// ScoreFunc rates how valuable it is to keep an entry in memory. Lower scores
// are evicted first.
type ScoreFunc func(e *entry.Entry, now time.Time) float64

// WeightedScore blends recency, frequency and priority. Recency decays
// hyperbolically with the time since last access, frequency grows
// logarithmically with the access count and priority is scaled to [0, 1].
// All weights are configuration.
type WeightedScore struct {
	RecencyWeight   float64
	FrequencyWeight float64
	PriorityWeight  float64
	RecencyHalfLife time.Duration
}

func DefaultWeightedScore() WeightedScore {
	return WeightedScore{
		RecencyWeight:   0.7,
		FrequencyWeight: 0.3,
		PriorityWeight:  0.5,
		RecencyHalfLife: 10 * time.Minute,
	}
}

func (w WeightedScore) Score(e *entry.Entry, now time.Time) float64 {
	last := e.LastAccessedAt
	if last.IsZero() || last.Before(e.CreatedAt) {
		last = e.CreatedAt
	}

	halfLife := w.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = time.Minute
	}

	age := now.Sub(last)
	if age < 0 {
		age = 0
	}

	recency := 1 / (1 + float64(age)/float64(halfLife))
	frequency := math.Log1p(float64(e.AccessCount))
	priority := float64(e.Priority-entry.PriorityLow) / float64(entry.PriorityCritical-entry.PriorityLow)
	return w.RecencyWeight*recency + w.FrequencyWeight*frequency + w.PriorityWeight*priority
}
