package models

import "slices"

// ModelID identifies a backend model variant.
type ModelID string

// ModelInfo describes a model the relay may stream from.
type ModelInfo struct {
	ID    ModelID `json:"value"`
	Label string  `json:"label"`
	About string  `json:"about"`
}

// KnownModels lists the models accepted in a StreamRequest. The first entry is the default.
var KnownModels = []ModelInfo{
	{
		ID:    "gemini-1.5-flash",
		Label: "Gemini 1.5 Flash",
		About: "Gemini 1.5 Flash is a fast and versatile multimodal model for scaling across diverse tasks.",
	},
	{
		ID:    "gemini-1.5-flash-8b",
		Label: "Gemini 1.5 Flash 8B",
		About: "Gemini 1.5 Flash-8B is a small model designed for lower intelligence tasks.",
	},
	{
		ID:    "gemini-2.0-flash",
		Label: "Gemini 2.0 Flash",
		About: "Gemini 2.0 Flash delivers next-gen features and improved capabilities, including superior speed, " +
			"native tool use, multimodal generation, and a 1M token context window.",
	},
	{
		ID:    "gemini-2.0-flash-lite",
		Label: "Gemini 2.0 Flash Lite",
		About: "A Gemini 2.0 Flash model optimized for cost efficiency and low latency.",
	},
}

// DefaultModel is the model used when a request does not name one.
var DefaultModel = KnownModels[0].ID

// Valid reports whether m is one of KnownModels.
func (m ModelID) Valid() bool {
	return slices.ContainsFunc(KnownModels, func(info ModelInfo) bool { return info.ID == m })
}
