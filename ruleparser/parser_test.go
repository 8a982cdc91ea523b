package ruleparser_test

import (
	"testing"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
	"github.com/flowcore/fct/packet"
	"github.com/flowcore/fct/ruleparser"
	"github.com/stretchr/testify/require"
)

func etherPacket(etype uint16) *packet.Basic {
	buf := make([]byte, 40)
	buf[12] = byte(etype >> 8)
	buf[13] = byte(etype)
	return packet.NewBasic(buf)
}

func TestParseSimpleOffsetRule(t *testing.T) {
	r, err := ruleparser.Parse("12/0800 0", "test")
	require.NoError(t, err)
	require.Equal(t, 0, r.Output)
	require.False(t, r.IsDefault)

	fcb := ftree.Classify(r.Root, level.EvalCtx{Packet: etherPacket(0x0800)})
	require.NotNil(t, fcb)

	fcb = ftree.Classify(r.Root, level.EvalCtx{Packet: etherPacket(0x0806)})
	require.Nil(t, fcb)
}

func TestParseDefaultRule(t *testing.T) {
	r, err := ruleparser.Parse("- drop", "test")
	require.NoError(t, err)
	require.True(t, r.IsDefault)
	require.Equal(t, -1, r.Output)
}

func TestParseRulesSequencing(t *testing.T) {
	rules, err := ruleparser.ParseRules([]string{
		"12/0800 0",
		"12/0806",
		"-",
	}, "test")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, 0, rules[0].Output)
	require.Equal(t, 1, rules[1].Output)
	require.Equal(t, -1, rules[2].Output)
}

func TestParseProtoClass(t *testing.T) {
	r, err := ruleparser.Parse("ip proto tcp 3", "test")
	require.NoError(t, err)
	require.Equal(t, 3, r.Output)
	require.True(t, r.Root.IsNode())
	require.Equal(t, 1, r.Root.Node.Children.Len())
}

func TestParseHostClass(t *testing.T) {
	r, err := ruleparser.Parse("src host 10.0.0.1 1", "test")
	require.NoError(t, err)
	require.Equal(t, 1, r.Output)
	require.True(t, r.Root.IsNode())
}

func TestParseHashHint(t *testing.T) {
	r, err := ruleparser.Parse("ip proto udp:HASH-2 4", "test")
	require.NoError(t, err)
	require.Equal(t, ftree.VariantHash, r.Root.Node.Hint)
	require.Equal(t, 2, r.Root.Node.HintClass)
}

func TestParseElseDropClass(t *testing.T) {
	r, err := ruleparser.Parse("12/0800! 5", "test")
	require.NoError(t, err)
	require.True(t, r.Root.Node.NoElse)
}

func TestParseAggregateClass(t *testing.T) {
	r, err := ruleparser.Parse("agg 2", "test")
	require.NoError(t, err)
	require.True(t, r.Root.IsNode())
	_, ok := r.Root.Node.Level.(level.Aggregate)
	require.True(t, ok)
}

func TestParseMalformedRuleFails(t *testing.T) {
	_, err := ruleparser.Parse("", "test")
	require.Error(t, err)
}
