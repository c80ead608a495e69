// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageLog_SplitsLines(t *testing.T) {
	l := NewStageLog(nil)
	fmt.Fprint(l, "one\r\ntw")
	fmt.Fprint(l, "o\nthree")

	assert.Equal(t, []string{"one", "two", "three"}, l.Lines())
	l.Printf("four %d", 4)
	assert.NoError(t, l.Close())
	assert.Equal(t, []string{"one", "two", "three", "four 4"}, l.Lines())
}

func TestStageLog_RedactsAndNotifies(t *testing.T) {
	l := NewStageLog(NewRedactor("pa55"))
	var seen []string
	l.OnLine(func(s string) { seen = append(seen, s) })

	fmt.Fprintln(l, "password is pa55")
	fmt.Fprint(l, "partial pa55")

	assert.Equal(t, []string{"password is ***", "partial ***"}, l.Lines())
	assert.Equal(t, []string{"password is ***"}, seen)
}

func TestStageLog_Truncates(t *testing.T) {
	l := NewStageLog(nil)
	l.limit = 20
	fmt.Fprintln(l, "0123456789")
	fmt.Fprintln(l, "0123456789abc")
	fmt.Fprintln(l, "dropped")

	assert.True(t, l.Truncated())
	assert.Equal(t, []string{"0123456789", TruncationNotice}, l.Lines())
}

func TestStageLog_ConcurrentWriters(t *testing.T) {
	l := NewStageLog(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Printf("writer %d line %d", i, j)
			}
		}(i)
	}
	wg.Wait()

	lines := l.Lines()
	assert.Len(t, lines, 400)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "writer "))
	}
}
