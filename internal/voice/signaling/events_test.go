package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserJoinedPayload_PrefersID(t *testing.T) {
	p := UserJoinedPayload{ID: "peer-a", UserID: "peer-b"}
	assert.Equal(t, "peer-a", string(p.PeerID()))
}

func TestUserJoinedPayload_FallsBackToUserID(t *testing.T) {
	p := UserJoinedPayload{UserID: "peer-b"}
	assert.Equal(t, "peer-b", string(p.PeerID()))
}

func TestUserJoinedPayload_DecodesEitherKey(t *testing.T) {
	var p UserJoinedPayload
	assert.NoError(t, json.Unmarshal([]byte(`{"userId":"peer-c"}`), &p))
	assert.Equal(t, "peer-c", string(p.PeerID()))

	var p2 UserJoinedPayload
	assert.NoError(t, json.Unmarshal([]byte(`{"id":"peer-d"}`), &p2))
	assert.Equal(t, "peer-d", string(p2.PeerID()))
}
