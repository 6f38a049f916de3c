// Package course loads drill courses from YAML files.
//
// A course file lists the rounds to practise and the commentary clips the
// scheduler draws from:
//
//	course:
//	  id: "es-basics"
//	  name: "Spanish basics"
//	  known_language: "en"
//	  target_language: "es"
//	  audio_root: "audio"
//	welcome:
//	  id: welcome
//	  url: welcome.wav
//	instructions:
//	  - id: instr-1
//	    url: instr/1.wav
//	encouragements:
//	  - id: enc-1
//	    url: enc/1.wav
//	rounds:
//	  - lego_id: "S0001L01"
//	    items:
//	      - known: "I want"
//	        target: "quiero"
//	        prompt: {id: p1, url: p1.wav}
//	        voice1: {id: v1a, url: v1a.wav, duration: 900ms}
//	        voice2: {id: v1b, url: v1b.wav, duration: 950ms}
//
// Relative clip URLs resolve against audio_root, which itself resolves
// against the directory of the course file.
package course

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// Meta describes the course.
type Meta struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	KnownLanguage  string `yaml:"known_language"`
	TargetLanguage string `yaml:"target_language"`

	// AudioRoot is the base for relative clip URLs. Empty means the
	// directory of the course file.
	AudioRoot string `yaml:"audio_root"`
}

// File is the top-level structure of a course YAML file.
type File struct {
	Course         Meta             `yaml:"course"`
	Welcome        *types.AudioRef  `yaml:"welcome"`
	Instructions   []types.AudioRef `yaml:"instructions"`
	Encouragements []types.AudioRef `yaml:"encouragements"`
	Rounds         []types.Round    `yaml:"rounds"`
}

// Course is a loaded, validated course. It is immutable and safe for
// concurrent use.
type Course struct {
	meta           Meta
	welcome        *types.AudioRef
	instructions   []types.AudioRef
	encouragements []types.AudioRef
	rounds         []types.Round
}

// Load reads, validates and resolves the course file at path.
func Load(path string) (*Course, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("course: open %q: %w", path, err)
	}
	defer f.Close()

	cf, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("course: parse %q: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("course: resolve %q: %w", path, err)
	}
	return New(cf, filepath.Dir(abs))
}

// Decode parses course YAML from r without validating it.
func Decode(r io.Reader) (*File, error) {
	var cf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("course: decode yaml: %w", err)
	}
	return &cf, nil
}

// New validates cf and builds a course. Relative clip URLs are resolved
// against baseDir; an empty baseDir leaves them untouched.
func New(cf *File, baseDir string) (*Course, error) {
	if cf == nil {
		return nil, errors.New("course: file must not be nil")
	}
	if err := Validate(cf); err != nil {
		return nil, err
	}

	root := cf.Course.AudioRoot
	if baseDir != "" && !isAbsolute(root) {
		root = filepath.Join(baseDir, root)
	}
	resolve := func(ref types.AudioRef) types.AudioRef {
		if root != "" && ref.URL != "" && !isAbsolute(ref.URL) {
			ref.URL = filepath.Join(root, ref.URL)
		}
		return ref
	}

	c := &Course{meta: cf.Course}
	if cf.Welcome != nil && !cf.Welcome.IsZero() {
		w := resolve(*cf.Welcome)
		c.welcome = &w
	}
	for _, ref := range cf.Instructions {
		c.instructions = append(c.instructions, resolve(ref))
	}
	for _, ref := range cf.Encouragements {
		c.encouragements = append(c.encouragements, resolve(ref))
	}
	for i, r := range cf.Rounds {
		round := types.Round{LegoID: r.LegoID, Index: i, Items: make([]types.LearningItem, len(r.Items))}
		for j, it := range r.Items {
			it.Prompt = resolve(it.Prompt)
			it.Voice1 = resolve(it.Voice1)
			it.Voice2 = resolve(it.Voice2)
			round.Items[j] = it
		}
		c.rounds = append(c.rounds, round)
	}
	return c, nil
}

// isAbsolute reports whether s is an absolute path or carries a URL scheme.
func isAbsolute(s string) bool {
	if filepath.IsAbs(s) {
		return true
	}
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

// Meta returns the course metadata.
func (c *Course) Meta() Meta { return c.meta }

// Instructions returns the ordered instruction clips.
func (c *Course) Instructions() []types.AudioRef { return c.instructions }

// Encouragements returns the encouragement pool.
func (c *Course) Encouragements() []types.AudioRef { return c.encouragements }

// WelcomeAudio returns the welcome clip, or nil when the course has none.
func (c *Course) WelcomeAudio() *types.AudioRef {
	if c.welcome == nil {
		return nil
	}
	w := *c.welcome
	return &w
}

// Rounds returns the rounds in play order.
func (c *Course) Rounds() []types.Round { return c.rounds }

// Round returns round i.
func (c *Course) Round(i int) (types.Round, bool) {
	if i < 0 || i >= len(c.rounds) {
		return types.Round{}, false
	}
	return c.rounds[i], true
}
