package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes a settings document. Unknown fields are rejected. The
// result is not validated; call Validate before use.
func Parse(data []byte) (*Settings, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	s := &Settings{}
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	s.link()
	return s, nil
}

// link sets back references and merges topic mappings over the defaults.
func (s *Settings) link() {
	for _, o := range s.Organizations {
		if o == nil {
			continue
		}
		for _, r := range o.Receivers {
			if r != nil {
				r.organization = o
			}
		}
	}
	topics := DefaultTopics()
	for name, t := range s.Topics {
		if t == nil {
			continue
		}
		t.Name = name
		topics[name] = t
	}
	s.Topics = topics
}

func (s *Settings) Organization(name string) *Organization {
	for _, o := range s.Organizations {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// Receiver finds a receiver by "<org>.<receiver>".
func (s *Settings) Receiver(fullName string) (*Receiver, error) {
	org, name, err := SplitName(fullName)
	if err != nil {
		return nil, err
	}
	o := s.Organization(org)
	if o == nil {
		return nil, fmt.Errorf("unknown organization %q", org)
	}
	r := o.Receiver(name)
	if r == nil {
		return nil, fmt.Errorf("unknown receiver %q", fullName)
	}
	return r, nil
}

// Sender finds a sender by "<org>.<sender>".
func (s *Settings) Sender(fullName string) (*Sender, error) {
	org, name, err := SplitName(fullName)
	if err != nil {
		return nil, err
	}
	o := s.Organization(org)
	if o == nil {
		return nil, fmt.Errorf("unknown organization %q", org)
	}
	snd := o.Sender(name)
	if snd == nil {
		return nil, fmt.Errorf("unknown sender %q", fullName)
	}
	return snd, nil
}

// Receivers returns the active receivers of topic in configuration order.
func (s *Settings) Receivers(topic string) []*Receiver {
	var out []*Receiver
	for _, o := range s.Organizations {
		for _, r := range o.Receivers {
			if r.Topic == topic && r.Active() {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *Settings) Topic(name string) (*Topic, bool) {
	t, ok := s.Topics[name]
	return t, ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
