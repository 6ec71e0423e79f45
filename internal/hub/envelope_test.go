package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/relay-hub/internal/json"
)

func TestParseKind(t *testing.T) {
	for k := KindRegister; k <= KindPing; k++ {
		assert.Equal(t, k, ParseKind(k.String()), k.String())
	}

	for _, s := range []string{"", "unknown", "Register", "dance", "ICE-CANDIDATE"} {
		assert.Equal(t, KindUnknown, ParseKind(s), s)
	}
	assert.Equal(t, "unknown", Kind(200).String())
}

func TestKindIsRelay(t *testing.T) {
	relay := map[Kind]bool{KindOffer: true, KindAnswer: true, KindICECandidate: true}
	for k := KindUnknown; k <= KindPing; k++ {
		assert.Equal(t, relay[k], k.IsRelay(), k.String())
	}
}

func TestOptionalFields(t *testing.T) {
	assert.Nil(t, optionalID(""))
	assert.Equal(t, "u1", *optionalID("u1"))

	assert.Equal(t, jsonNull, orNull(nil))
	assert.Equal(t, json.RawMessage(`{}`), orNull(json.RawMessage(`{}`)))

	data, err := json.Marshal(&DirectMessage{Type: "message"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","fromUserId":null}`, string(data))
}
