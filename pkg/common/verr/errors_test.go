// Copyright 2024 QuiverDB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{NewInvariantViolation("x"), ErrInvariantViolation},
		{NewResourceExhausted("x"), ErrResourceExhausted},
		{NewIOError(io.ErrUnexpectedEOF, "x"), ErrIO},
		{NewDataError("x"), ErrData},
		{NewTaskCancelled(), ErrTaskCancelled},
	}
	for _, c := range cases {
		require.Equal(t, c.code, CodeOf(c.err))
	}
	require.True(t, IsResourceExhausted(NewResourceExhausted("oom")))
	require.False(t, IsResourceExhausted(NewDataError("bad")))
}

func TestTransient(t *testing.T) {
	require.True(t, IsTransient(NewTransientIOError(nil, "fetch")))
	require.False(t, IsTransient(NewIOError(nil, "write")))
	require.False(t, IsTransient(errors.New("plain")))
}

func TestWithOperatorFirstWins(t *testing.T) {
	err := NewDataError("bad key")
	err2 := WithOperator(err, 7)
	err3 := WithOperator(err2, 9)

	var e *Error
	require.True(t, errors.As(err3, &e))
	require.Equal(t, int32(7), e.OperatorID())
	require.Contains(t, err3.Error(), "operator 7")
}

func TestWithOperatorWrapsForeign(t *testing.T) {
	err := WithOperator(io.EOF, 3)
	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, int32(3), e.OperatorID())
	require.True(t, errors.Is(err, io.EOF))
}

func TestUnwrapCause(t *testing.T) {
	err := NewIOError(io.ErrClosedPipe, "spill write")
	require.True(t, errors.Is(err, io.ErrClosedPipe))
}
