package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTerms(t *testing.T) {
	t.Run("pull request references", func(t *testing.T) {
		terms := ExtractTerms("Who approved PR #456 and pull request 12? Also #456 again")
		assert.Equal(t, []int{456, 12}, terms.PullNumbers)
	})

	t.Run("issue keys", func(t *testing.T) {
		terms := ExtractTerms("What is the status of SEC-12 and OPS-7, and SEC-12?")
		assert.Equal(t, []string{"SEC-12", "OPS-7"}, terms.IssueKeys)
		assert.NotContains(t, terms.Keywords, "sec-12")
	})

	t.Run("reviewer and window", func(t *testing.T) {
		terms := ExtractTerms("Show PRs reviewed by @alice in the last 7 days")
		assert.Equal(t, []string{"alice"}, terms.Reviewers)
		assert.Equal(t, 7, terms.WindowDays)
		assert.NotContains(t, terms.Keywords, "alice")
	})

	t.Run("keywords drop stopwords and numbers", func(t *testing.T) {
		terms := ExtractTerms("Show the deployment approvals for 2024")
		assert.Contains(t, terms.Keywords, "approvals")
		assert.NotContains(t, terms.Keywords, "the")
		assert.NotContains(t, terms.Keywords, "show")
		assert.NotContains(t, terms.Keywords, "2024")
	})

	t.Run("empty text", func(t *testing.T) {
		terms := ExtractTerms("")
		assert.Empty(t, terms.PullNumbers)
		assert.Empty(t, terms.IssueKeys)
		assert.Empty(t, terms.Keywords)
		assert.Zero(t, terms.WindowDays)
	})
}
