package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugfRespectsVerbose(t *testing.T) {
	orig := Logf
	t.Cleanup(func() {
		Logf = orig
		SetVerbose(false)
	})

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	Debugf("hidden %d", 1)
	assert.Empty(t, lines)

	SetVerbose(true)
	assert.True(t, Verbose())
	Debugf("shown %d", 2)
	Logf("always %d", 3)
	assert.Equal(t, []string{"shown 2", "always 3"}, lines)
}

func TestSetLoggerNilMutes(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("nothing %s", "here") })
}
