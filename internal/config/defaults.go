package config

import "github.com/localmind/localmind/internal/sampler"

// samplerDefaults gives Default() a sane out-of-the-box sampling
// configuration: temperature-1 nucleus sampling, no penalties.
func samplerDefaults() sampler.Config {
	return sampler.Config{
		Temperature: 1.0,
		TopP:        0.95,
		TopK:        40,
	}
}
