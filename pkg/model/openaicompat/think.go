// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openaicompat

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkSplitter routes <think>...</think> segments out of a content stream.
//
// Delimiters may arrive split across chunk boundaries, so the splitter holds
// back any trailing text that could be a partial tag until the next feed (or
// flush) disambiguates it.
type thinkSplitter struct {
	inThink bool
	pending string
}

// feed consumes a delta and returns the content and thinking text that can
// be released so far.
func (s *thinkSplitter) feed(delta string) (content, thinking string) {
	s.pending += delta

	var contentOut, thinkingOut strings.Builder
	for {
		if s.inThink {
			idx := strings.Index(s.pending, thinkClose)
			if idx >= 0 {
				thinkingOut.WriteString(s.pending[:idx])
				s.pending = s.pending[idx+len(thinkClose):]
				s.inThink = false
				continue
			}
			release := len(s.pending) - partialSuffixLen(s.pending, thinkClose)
			thinkingOut.WriteString(s.pending[:release])
			s.pending = s.pending[release:]
			break
		}

		idx := strings.Index(s.pending, thinkOpen)
		if idx >= 0 {
			contentOut.WriteString(s.pending[:idx])
			s.pending = s.pending[idx+len(thinkOpen):]
			s.inThink = true
			continue
		}
		release := len(s.pending) - partialSuffixLen(s.pending, thinkOpen)
		contentOut.WriteString(s.pending[:release])
		s.pending = s.pending[release:]
		break
	}

	return contentOut.String(), thinkingOut.String()
}

// flush releases held-back text after the stream ends. An unterminated
// think block stays thinking.
func (s *thinkSplitter) flush() (content, thinking string) {
	held := s.pending
	s.pending = ""
	if s.inThink {
		return "", held
	}
	return held, ""
}

// partialSuffixLen returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// splitThinkBlock separates an embedded <think> block from a complete
// response body. Used by non-streaming completions.
func splitThinkBlock(text string) (content, thinking string) {
	start := strings.Index(text, thinkOpen)
	if start < 0 {
		return text, ""
	}
	rest := text[start+len(thinkOpen):]
	end := strings.Index(rest, thinkClose)
	if end < 0 {
		// Unterminated block: everything after the marker is thinking.
		return text[:start], rest
	}
	return text[:start] + rest[end+len(thinkClose):], rest[:end]
}
