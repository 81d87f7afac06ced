/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package promptbuilder provides a safe, injection-resistant prompt
// construction library for composing the text fed to the external coding
// agent's stdin (spec.md §4.7/§4.8). It is adapted from the teacher's
// agents/promptbuilder: templates are compile-time string literals with
// {{name}} placeholders, dynamic values are bound through Go's standard
// encoders (XML/JSON) so user-controlled issue/comment text can never
// smuggle new placeholders into the template, and every binding method
// returns a new immutable Prompt. The teacher's Bindable/Noop indirection
// (built for a generic multi-provider agent executor) is dropped: gitfix's
// agent is a single external subprocess, so callers bind request data
// directly rather than through an executor-dispatched interface.
package promptbuilder

import (
	"fmt"
)

// stringLiteral only accepts literal strings at compile time, preventing
// runtime-constructed (and therefore attacker-influenced) template text.
type stringLiteral string

// Prompt is a template with bindable placeholders.
type Prompt struct {
	template string
	bindings map[string]binding
}

// NewPrompt parses template and registers one unbound placeholder per
// {{name}} occurrence.
func NewPrompt(template stringLiteral) (*Prompt, error) {
	bindings := make(map[string]binding)

	tmpl, err := walkTemplate(string(template), func(name string) (string, error) {
		if _, exists := bindings[name]; !exists {
			bindings[name] = &unboundBinding{name: name}
		}
		return fmt.Sprintf("{{%s}}", name), nil
	})
	if err != nil {
		return nil, err
	}

	return &Prompt{template: tmpl, bindings: bindings}, nil
}

// GetBindings returns the set of placeholder names found in the template.
func (p *Prompt) GetBindings() map[string]struct{} {
	names := make(map[string]struct{}, len(p.bindings))
	for name := range p.bindings {
		names[name] = struct{}{}
	}
	return names
}

// BindStringLiteral binds a developer-controlled literal string.
func (p *Prompt) BindStringLiteral(name string, value stringLiteral) (*Prompt, error) {
	if err := existsAndUnbound(p.bindings, name); err != nil {
		return nil, err
	}
	next := p.clone()
	next.bindings[name] = &literalBinding{val: string(value)}
	return next, nil
}

// BindXML binds arbitrary data, marshaled as indented XML. Used for the
// structured repository/issue/findings context handed to the agent.
func (p *Prompt) BindXML(name string, data any) (*Prompt, error) {
	if err := existsAndUnbound(p.bindings, name); err != nil {
		return nil, err
	}
	next := p.clone()
	next.bindings[name] = &xmlBinding{data: data}
	return next, nil
}

// BindJSON binds arbitrary data, marshaled as indented JSON.
func (p *Prompt) BindJSON(name string, data any) (*Prompt, error) {
	if err := existsAndUnbound(p.bindings, name); err != nil {
		return nil, err
	}
	next := p.clone()
	next.bindings[name] = &jsonBinding{data: data}
	return next, nil
}

func (p *Prompt) clone() *Prompt {
	next := &Prompt{template: p.template, bindings: make(map[string]binding, len(p.bindings))}
	for k, v := range p.bindings {
		next.bindings[k] = v
	}
	return next
}

// Build renders the final prompt text, failing if any placeholder is
// still unbound.
func (p *Prompt) Build() (string, error) {
	values := make(map[string]string, len(p.bindings))
	for name, b := range p.bindings {
		val, err := b.value()
		if err != nil {
			return "", err
		}
		values[name] = val
	}

	return walkTemplate(p.template, func(name string) (string, error) {
		if val, exists := values[name]; exists {
			return val, nil
		}
		return "", fmt.Errorf("internal error: binding %q not found in values map", name)
	})
}
