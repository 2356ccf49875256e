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

package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies model call failures.
type ErrorKind string

const (
	// KindUnreachableEndpoint: the endpoint could not be reached.
	KindUnreachableEndpoint ErrorKind = "unreachable_endpoint"

	// KindModelNotLoaded: the server does not have the model loaded.
	KindModelNotLoaded ErrorKind = "model_not_loaded"

	// KindTimeout: the per-call deadline expired.
	KindTimeout ErrorKind = "timeout"

	// KindProtocolError: the server response was malformed.
	KindProtocolError ErrorKind = "protocol_error"

	// KindCancelled: the caller cancelled the request.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a classified model call failure.
type Error struct {
	Kind  ErrorKind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: model %s: %v", e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the model it concerns.
func NewError(kind ErrorKind, model string, err error) *Error {
	return &Error{Kind: kind, Model: model, Err: err}
}

// KindOf extracts the error kind, classifying context errors on the way.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindProtocolError
}
