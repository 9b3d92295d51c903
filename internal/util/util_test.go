package util

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTableAlignsColoredCells(t *testing.T) {
	color.NoColor = false
	defer func() { color.NoColor = true }()

	var out bytes.Buffer
	RenderTable(&out, []TableColumn{
		{Header: "FLAG", Key: "flag"},
		{Header: "VALUE", Key: "value"},
	}, []map[string]interface{}{
		{"flag": "streamRunning", "value": color.GreenString("true")},
		{"flag": "audioRunning", "value": color.RedString("false")},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "FLAG          VALUE", lines[0])
	assert.Equal(t, "------------- -----", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "streamRunning "))
	assert.Equal(t, "audioRunning  false", removeANSICodes(lines[3]))
}

func TestRenderTableEmpty(t *testing.T) {
	var out bytes.Buffer
	RenderTable(&out, []TableColumn{{Header: "A", Key: "a"}}, nil)
	assert.Equal(t, "No data to display\n", out.String())
}

func TestSetLogOutputAndGlobalLogger(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	InitLogger(true)
	defer SetLogOutput(&bytes.Buffer{})

	Component("capture").Debug("frame", "n", 3)
	assert.Contains(t, out.String(), "component=capture")
	assert.Contains(t, out.String(), "n=3")

	SetupGlobalLogger()
	log.Printf("legacy %d", 7)
	assert.Contains(t, out.String(), `msg="legacy 7"`)

	GetCompatLogger().Warnf("warn %s", "x")
	assert.Contains(t, out.String(), "level=WARN")
}

func TestPlainSpinner(t *testing.T) {
	var out bytes.Buffer
	s := newUISpinner(&out, true, "Connecting")
	s.Success("Connected over wifi")
	s.Fail("nope")
	assert.Equal(t, "… Connecting\n✓ Connected over wifi\n✗ nope\n", out.String())
}
