package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleComparison(t *testing.T) {
	group, err := Parse("{{context.executions.router.status}} == 'succeeded'")
	require.NoError(t, err)
	require.Equal(t, KeywordSingular, group.Keyword)
	require.NotNil(t, group.Comparison)
	assert.Equal(t, "{{context.executions.router.status}}", group.Comparison.Left)
	assert.Equal(t, "'succeeded'", group.Comparison.Right)
}

func TestParseAnd(t *testing.T) {
	expr := "{{context.dicom.tags[('0010','0040')]}} == 'F' AND {{context.executions.body_part_identifier.result.body_part}} == 'leg'"
	group, err := Parse(expr)
	require.NoError(t, err)
	require.Equal(t, KeywordAnd, group.Keyword)
	require.NotNil(t, group.Left.Comparison)
	require.NotNil(t, group.Right.Comparison)
	assert.Equal(t, "{{context.dicom.tags[('0010','0040')]}}", group.Left.Comparison.Left)
	assert.Equal(t, "'F'", group.Left.Comparison.Right)
	assert.Equal(t, "'leg'", group.Right.Comparison.Right)
}

func TestParseChainIsLeftAssociative(t *testing.T) {
	group, err := Parse("'a' == 'a' AND 'b' == 'b' OR 'c' == 'd'")
	require.NoError(t, err)
	// a AND b OR c parses as ((a AND b) OR c): the split happens at the
	// last top-level keyword.
	require.Equal(t, KeywordOr, group.Keyword)
	require.Equal(t, KeywordAnd, group.Left.Keyword)
	require.Equal(t, KeywordSingular, group.Right.Keyword)
	assert.Equal(t, "'c'", group.Right.Comparison.Left)
}

func TestParseIgnoresQuotedKeywords(t *testing.T) {
	group, err := Parse("{{context.workflow.name}} == 'scan AND review'")
	require.NoError(t, err)
	require.Equal(t, KeywordSingular, group.Keyword)
	assert.Equal(t, "'scan AND review'", group.Comparison.Right)
}

func TestParseIgnoresKeywordsInsideReferences(t *testing.T) {
	group, err := Parse("{{context.executions.check AND balance.status}} == 'succeeded'")
	require.NoError(t, err)
	require.Equal(t, KeywordSingular, group.Keyword)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", "   "},
		{"missing equality", "'a' 'b'"},
		{"double equality", "'a' == 'b' == 'c'"},
		{"missing left operand", "== 'b'"},
		{"missing right operand", "'a' =="},
		{"dangling keyword", "'a' == 'b' AND "},
		{"unbalanced braces", "{{context.a == 'b'"},
		{"unterminated quote", "'a == 'b' == 'c"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.expr)
			assert.Error(t, err)
		})
	}
}

func TestEvaluate(t *testing.T) {
	resolver := MapResolver{
		"context.executions.classify.result.body_part": "leg",
		"context.dicom.tags[('0010','0040')]":          "F",
	}

	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		{
			"literal match",
			"'leg' == 'leg'",
			true,
		},
		{
			"reference match",
			"{{context.executions.classify.result.body_part}} == 'leg'",
			true,
		},
		{
			"reference mismatch",
			"{{context.executions.classify.result.body_part}} == 'arm'",
			false,
		},
		{
			"and both true",
			"{{context.dicom.tags[('0010','0040')]}} == 'F' AND {{context.executions.classify.result.body_part}} == 'leg'",
			true,
		},
		{
			"and one false",
			"{{context.dicom.tags[('0010','0040')]}} == 'M' AND {{context.executions.classify.result.body_part}} == 'leg'",
			false,
		},
		{
			"or rescues",
			"{{context.dicom.tags[('0010','0040')]}} == 'M' OR {{context.executions.classify.result.body_part}} == 'leg'",
			true,
		},
		{
			"whitespace trimmed",
			"  'leg'   ==   'leg'  ",
			true,
		},
		{
			"unquoted literal",
			"leg == 'leg'",
			true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Evaluate(tc.expr, resolver)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestEvaluateUnresolvedReferenceIsFalse(t *testing.T) {
	group, err := Parse("{{context.executions.missing.status}} == 'succeeded'")
	require.NoError(t, err)

	outcome := group.Evaluate(MapResolver{})
	assert.False(t, outcome.Value)
	assert.Equal(t, []string{"context.executions.missing.status"}, outcome.Unresolved)
}

func TestEvaluateUnresolvedDoesNotPoisonOr(t *testing.T) {
	resolver := MapResolver{"context.workflow.name": "leg-study"}
	result, err := Evaluate(
		"{{context.executions.missing.status}} == 'succeeded' OR {{context.workflow.name}} == 'leg-study'",
		resolver,
	)
	require.NoError(t, err)
	assert.True(t, result)
}
