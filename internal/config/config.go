// Package config describes a convolution run: the backend, the device and the
// problem with its host data. Defaults reproduce the built-in demo; a YAML
// file may override any part of it.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/conv"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Pair is a (height, width) parameter.
type Pair struct {
	H int `yaml:"h"`
	W int `yaml:"w"`
}

// Tensor is a dense NCHW (or KCRS) tensor on the host.
type Tensor struct {
	Shape []int     `yaml:"shape"`
	Data  []float32 `yaml:"data"`
}

// Convolution is the convolution geometry.
type Convolution struct {
	Pad      Pair `yaml:"pad"`
	Stride   Pair `yaml:"stride"`
	Dilation Pair `yaml:"dilation"`
}

// Search tunes algorithm selection.
type Search struct {
	Algorithms int  `yaml:"algorithms"`
	Exhaustive bool `yaml:"exhaustive"`
}

// Config is a complete run description.
type Config struct {
	Backend     string      `yaml:"backend"`
	Device      int         `yaml:"device"`
	Input       Tensor      `yaml:"input"`
	Filter      Tensor      `yaml:"filter"`
	Convolution Convolution `yaml:"convolution"`
	Search      Search      `yaml:"search"`
	Verbose     bool        `yaml:"verbose"`
}

// Default returns the built-in demo: a 5x5 single-channel image and a 3x3
// single-channel filter, unit stride, no padding.
func Default() *Config {
	return &Config{
		Backend: "auto",
		Input: Tensor{
			Shape: []int{1, 1, 5, 5},
			Data: []float32{
				0, 1, 1, 1, 0,
				0, 0, 1, 1, 1,
				0, 0, 0, 1, 1,
				0, 0, 0, 1, 1,
				0, 0, 1, 1, 0,
			},
		},
		Filter: Tensor{
			Shape: []int{1, 1, 3, 3},
			Data: []float32{
				1, 0, 1,
				0, 1, 0,
				1, 0, 1,
			},
		},
		Convolution: Convolution{
			Stride:   Pair{H: 1, W: 1},
			Dilation: Pair{H: 1, W: 1},
		},
		Search: Search{Algorithms: 1},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration without touching a device.
func (c *Config) Validate() error {
	switch c.Backend {
	case "auto", "hip", "webgpu", "cpu":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Device < 0 {
		return fmt.Errorf("negative device ordinal %d", c.Device)
	}
	if c.Search.Algorithms < 1 {
		return fmt.Errorf("search.algorithms must be at least 1, got %d", c.Search.Algorithms)
	}
	p := c.Problem()
	if err := p.Validate(); err != nil {
		return err
	}
	return p.CheckHostData(c.Input.Data, c.Filter.Data)
}

// Problem returns the convolution problem the configuration describes.
func (c *Config) Problem() conv.Problem {
	cv := c.Convolution
	return conv.Problem{
		Input:  tensor.Shape(c.Input.Shape),
		Filter: tensor.Shape(c.Filter.Shape),
		Params: accel.ConvParams{
			Mode:      accel.ModeConvolution,
			PadH:      cv.Pad.H,
			PadW:      cv.Pad.W,
			StrideH:   cv.Stride.H,
			StrideW:   cv.Stride.W,
			DilationH: cv.Dilation.H,
			DilationW: cv.Dilation.W,
		},
		DataType: tensor.Float32,
	}
}

// Options returns the runner options the configuration describes.
func (c *Config) Options() conv.Options {
	return conv.Options{
		Device:  c.Device,
		Search:  conv.SearchOptions{Requested: c.Search.Algorithms, Exhaustive: c.Search.Exhaustive},
		Verbose: c.Verbose,
	}
}
