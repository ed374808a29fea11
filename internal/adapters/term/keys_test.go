package term

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshvoice/internal/app/transmit"
)

func TestCode(t *testing.T) {
	for b, want := range map[byte]string{
		' ': "Space", 'v': "KeyV", 'V': "KeyV", '7': "Digit7",
		'\r': "Enter", 0x03: CodeInterrupt, '+': "Equal", '~': "",
	} {
		assert.Equal(t, want, Code(b), "byte %q", b)
	}
}

func TestRepeaterSynthesizesRelease(t *testing.T) {
	r := NewRepeater(100 * time.Millisecond)
	t0 := time.Unix(0, 0)

	assert.Equal(t, []transmit.KeyEvent{{Code: "Space", Down: true}}, r.Press("Space", t0))
	assert.Equal(t, []transmit.KeyEvent{{Code: "Space", Down: true, Repeat: true}}, r.Press("Space", t0.Add(50*time.Millisecond)))
	assert.Nil(t, r.Tick(t0.Add(120*time.Millisecond)), "repeat extended the window")
	assert.Equal(t, t0.Add(150*time.Millisecond), r.Deadline())
	assert.Equal(t, []transmit.KeyEvent{{Code: "Space"}}, r.Tick(t0.Add(150*time.Millisecond)))
	assert.True(t, r.Deadline().IsZero())
}

func TestRepeaterOtherKeyReleasesHeld(t *testing.T) {
	r := NewRepeater(time.Second)
	t0 := time.Unix(0, 0)
	r.Press("Space", t0)
	assert.Equal(t, []transmit.KeyEvent{{Code: "Space"}, {Code: "KeyM", Down: true}}, r.Press("KeyM", t0.Add(10*time.Millisecond)))
	assert.Equal(t, []transmit.KeyEvent{{Code: "KeyM"}}, r.Flush())
	assert.Nil(t, r.Flush())
}

func TestRunReleasesOnEOF(t *testing.T) {
	var (
		mu  sync.Mutex
		got []transmit.KeyEvent
	)
	err := Run(context.Background(), strings.NewReader("m"), time.Second, func(ev transmit.KeyEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, []transmit.KeyEvent{{Code: "KeyM", Down: true}, {Code: "KeyM"}}, got)
}
