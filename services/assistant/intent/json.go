// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"errors"
	"strings"
)

// ErrNoJSON indicates a model response with no extractable JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON pulls the first JSON object out of a model response.
//
// Description:
//
//	Models wrap JSON in markdown fences or preamble text despite
//	instructions not to. This strips common fences and returns the
//	substring from the first '{' to its matching '}'.
//
// Inputs:
//
//	response - Raw model output.
//
// Outputs:
//
//	string - The JSON object text.
//	error - ErrNoJSON if no balanced object is present.
func ExtractJSON(response string) (string, error) {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
