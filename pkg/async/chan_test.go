// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanRead(t *testing.T) {
	closer := NewCloseSignal()
	ch := make(chan int, 1)
	ch <- 1
	v, ok := ChanRead(closer, ch)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	go func() {
		time.Sleep(10 * time.Millisecond)
		closer.Close("enough")
	}()
	_, ok = ChanRead(closer, ch)
	assert.False(t, ok)
}

func TestChanReadClosedCloserDoesNotConsume(t *testing.T) {
	closer := NewCloseSignal()
	closer.Close("already closed")
	ch := make(chan int, 1)
	ch <- 42
	_, ok := ChanRead(closer, ch)
	assert.False(t, ok)
	// the queued value is untouched
	assert.Equal(t, 42, <-ch)
}

func TestChanReadOrErr(t *testing.T) {
	closer := NewCloseSignal()
	closer.SetTimeout(10*time.Millisecond, "too slow")
	ch := make(chan int)
	_, err := ChanReadOrErr(closer, ch)
	require.Error(t, err)
	assert.True(t, IsTimeoutError(err))
}

func TestChanWrite(t *testing.T) {
	closer := NewCloseSignal()
	ch := make(chan int, 1)
	assert.True(t, ChanWrite(closer, ch, 7))
	assert.Equal(t, 7, <-ch)

	full := make(chan int)
	closer.Close("stop")
	// the write is not performed on a closed closer
	assert.False(t, ChanWrite(closer, full, 8))
}

func TestMustWrite(t *testing.T) {
	ch := make(chan int, 1)
	MustWrite(ch, 1)
	assert.Panics(t, func() { MustWrite(ch, 2) })
}

func TestMaybeWrite(t *testing.T) {
	ch := make(chan int, 1)
	assert.True(t, MaybeWrite(ch, 1))
	assert.False(t, MaybeWrite(ch, 2))
	assert.Equal(t, 1, <-ch)
}

func TestSelectCancelledFirst(t *testing.T) {
	closer := NewCloseSignal()
	closer.Close("closed")
	ch := make(chan int, 1)
	ch <- 9
	var out int
	_, err := Select(closer, Recv(ch, &out))
	require.Error(t, err)
	assert.True(t, IsCancelError(err))
	// the op was not touched
	assert.Equal(t, 9, <-ch)
}

func TestSelectExactlyOneOpCompletes(t *testing.T) {
	closer := NewCloseSignal()
	readCh := make(chan int, 1)
	writeCh := make(chan int, 1)
	readCh <- 3
	var out int
	idx, err := Select(closer,
		Recv(readCh, &out),
		Send(writeCh, 5),
	)
	require.NoError(t, err)
	if idx == 0 {
		assert.Equal(t, 3, out)
		// the send was withdrawn
		select {
		case <-writeCh:
			t.Fatal("the losing send op was performed")
		default:
		}
	} else {
		assert.Equal(t, 5, <-writeCh)
		// the read was not consumed
		assert.Equal(t, 3, <-readCh)
	}
}

func TestSelectSendAndCancel(t *testing.T) {
	closer := NewCloseSignal()
	blocked := make(chan int)
	go func() {
		time.Sleep(10 * time.Millisecond)
		closer.Close("cancel the send")
	}()
	_, err := Select(closer, Send(blocked, 1))
	require.Error(t, err)
	assert.True(t, IsCancelError(err))
}
