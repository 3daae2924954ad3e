package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsResponseTo(t *testing.T) {
	assert.True(t, IsResponseTo(TypeGSDPoll, GSDPollResponse{}))
	assert.True(t, IsResponseTo(TypeGSDPoll, &GSDPollResponse{}))
	assert.False(t, IsResponseTo(TypeGSDPoll, &ICNProposalResponse{}))
	assert.False(t, IsResponseTo(TypeGSDPoll, "payload"))
	assert.True(t, IsResponseTo(TypeAccessType, &AccessTypeResponse{}))
	assert.False(t, IsResponseTo(TypeBytes, []byte("x")))
}

func TestResponseTypeFor(t *testing.T) {
	name, err := ResponseTypeFor(TypeICNProposal)
	assert.NoError(t, err)
	assert.Equal(t, "ICNProposalResponse", name)

	_, err = ResponseTypeFor("type")
	assert.EqualError(t, err, "invalid message type: type")
}

func TestKnown(t *testing.T) {
	for _, typ := range RequestTypes {
		assert.True(t, typ.Known())
	}
	assert.False(t, MessageType("invalid").Known())
}
