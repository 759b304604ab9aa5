package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Codec serializes the stored value.
type Codec[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r io.Reader, v *T) error
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	EncodeFunc func(w io.Writer, v T) error
	DecodeFunc func(r io.Reader, v *T) error
}

func (c CodecFuncs[T]) Encode(w io.Writer, v T) error  { return c.EncodeFunc(w, v) }
func (c CodecFuncs[T]) Decode(r io.Reader, v *T) error { return c.DecodeFunc(r, v) }

type jsonCodec[T any] struct{}

// JSON is the default codec (indented, one document per file).
func JSON[T any]() Codec[T] { return jsonCodec[T]{} }

func (jsonCodec[T]) Encode(w io.Writer, v T) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (jsonCodec[T]) Decode(r io.Reader, v *T) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated documents from a broken writer)
	if dec.More() {
		return fmt.Errorf("trailing data after document")
	}
	return nil
}

type yamlCodec[T any] struct{}

// YAML stores the value as a YAML document.
func YAML[T any]() Codec[T] { return yamlCodec[T]{} }

func (yamlCodec[T]) Encode(w io.Writer, v T) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (yamlCodec[T]) Decode(r io.Reader, v *T) error {
	return yaml.NewDecoder(r).Decode(v)
}

type lineCodec[T any] struct {
	format func(v T, emit func(line string))
	parse  func(v *T, line string) error
}

// Lines builds a line-oriented codec. format emits one line per record (lines
// must not contain '\n'); parse is called for every non-blank line in file
// order and accumulates into v.
func Lines[T any](format func(v T, emit func(line string)), parse func(v *T, line string) error) Codec[T] {
	return lineCodec[T]{format: format, parse: parse}
}

func (c lineCodec[T]) Encode(w io.Writer, v T) error {
	var werr error
	c.format(v, func(line string) {
		if werr != nil {
			return
		}
		if strings.ContainsRune(line, '\n') {
			werr = fmt.Errorf("line contains newline: %q", line)
			return
		}
		_, werr = io.WriteString(w, line+"\n")
	})
	return werr
}

func (c lineCodec[T]) Decode(r io.Reader, v *T) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := c.parse(v, line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}
