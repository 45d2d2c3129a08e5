package prober

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDisposableDomain(t *testing.T) {
	assert.True(t, IsDisposableDomain("mailinator.com"))
	assert.True(t, IsDisposableDomain("MAILINATOR.COM"))
	assert.False(t, IsDisposableDomain("example.com"))
}

func TestIsFreeDomain(t *testing.T) {
	assert.True(t, IsFreeDomain("gmail.com"))
	assert.True(t, IsFreeDomain("Proton.me"))
	assert.False(t, IsFreeDomain("corp.example.com"))
}

func TestIsRoleAccount(t *testing.T) {
	assert.True(t, IsRoleAccount("support"))
	assert.True(t, IsRoleAccount("NoReply"))
	assert.False(t, IsRoleAccount("alice"))
}

func TestSuggestDomain(t *testing.T) {
	assert.Equal(t, "alice@gmail.com", SuggestDomain("alice", "gamil.com"))
	assert.Equal(t, "bob@hotmail.com", SuggestDomain("bob", "hotmial.com"))
	assert.Empty(t, SuggestDomain("alice", "gmail.com"))
	assert.Empty(t, SuggestDomain("alice", "example.com"))
}
