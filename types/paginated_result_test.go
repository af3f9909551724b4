package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page := Paginate(items, 2, 2)
	assert.Equal(t, []int{3, 4}, page.Items)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNextPage)
	assert.True(t, page.HasPreviousPage)

	last := Paginate(items, 3, 2)
	assert.Equal(t, []int{5}, last.Items)
	assert.False(t, last.HasNextPage)

	beyond := Paginate(items, 9, 2)
	assert.Empty(t, beyond.Items)

	all := Paginate(items, 0, 0)
	assert.Equal(t, items, all.Items)
	assert.Equal(t, 1, all.Page)
}

func TestJob_CanRetryAndSettledFailure(t *testing.T) {
	job := Job{State: "FAILED", Retryable: true, RetryCount: 1, RetryLimit: 2}
	assert.True(t, job.CanRetry())
	assert.False(t, job.SettledFailure())

	job.RetryCount = 2
	assert.False(t, job.CanRetry())
	assert.True(t, job.SettledFailure())

	assert.True(t, Job{State: "CANCELLED"}.SettledFailure())
	assert.False(t, Job{State: "FINISHED"}.SettledFailure())
	assert.Equal(t, "abcdefgh", Job{ID: "abcdefgh-1234"}.ShortID())
}
