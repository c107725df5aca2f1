package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSuffixConventions(t *testing.T) {
	addresses := []string{
		"5511999998888@s.whatsapp.net",
		"5511999998888@c.us",
		"5511999998888@lid",
		"5511999998888:12@s.whatsapp.net",
		"5511999998888.0:3@s.whatsapp.net",
		"5511999998888",
	}
	for _, addr := range addresses {
		t.Run(addr, func(t *testing.T) {
			id, err := Normalize(addr, "")
			require.NoError(t, err)
			assert.Equal(t, "5511999998888", id.Phone)
			assert.False(t, id.IsGroup)
		})
	}
}

func TestNormalizeAltSenderWins(t *testing.T) {
	id, err := Normalize("190283746501234@lid", "5511988887777@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "5511988887777", id.Phone)

	// Alt sender is trusted even when the routing address is itself a valid phone.
	id, err = Normalize("5511999998888@s.whatsapp.net", "5521977776666")
	require.NoError(t, err)
	assert.Equal(t, "5521977776666", id.Phone)
}

func TestNormalizeGroup(t *testing.T) {
	id, err := Normalize("12345@g.us", "5511988887777@s.whatsapp.net")
	require.NoError(t, err)
	assert.True(t, id.IsGroup)
	assert.Equal(t, "12345", id.Phone)

	id, err = Normalize("120363025246125486@G.US", "")
	require.NoError(t, err)
	assert.True(t, id.IsGroup)
	assert.Equal(t, "120363025246125486", id.Phone)
}

func TestNormalizeRejectsShortNumbers(t *testing.T) {
	for _, addr := range []string{"123456789@s.whatsapp.net", "", "abc@c.us", "@g.us"} {
		_, err := Normalize(addr, "")
		assert.True(t, errors.Is(err, ErrInvalidIdentity), "address %q", addr)
	}

	// A short alt sender is not rescued by a valid routing address.
	_, err := Normalize("5511999998888@s.whatsapp.net", "12345")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, "contact_5511999998888", ContactID("5511999998888"))
	assert.Equal(t, "conv_5511999998888", ConversationID("5511999998888"))
}

func TestFormatPhone(t *testing.T) {
	assert.Equal(t, "+55 (11) 99999-8888", FormatPhone("5511999998888"))
	assert.Equal(t, "+55 (11) 9999-8888", FormatPhone("551199998888"))
	assert.Equal(t, "+14155550100", FormatPhone("14155550100"))
}

func TestIsPlaceholderName(t *testing.T) {
	phone := "5511999998888"
	assert.True(t, IsPlaceholderName("", phone))
	assert.True(t, IsPlaceholderName("5511999998888", phone))
	assert.True(t, IsPlaceholderName("+55 (11) 99999-8888", phone))
	assert.True(t, IsPlaceholderName("Grupo 5511999998888", phone))
	assert.False(t, IsPlaceholderName("Maria", phone))
}

func TestRecipientAddress(t *testing.T) {
	assert.Equal(t, "5511999998888@s.whatsapp.net", RecipientAddress(Identity{Phone: "5511999998888"}, "55"))
	assert.Equal(t, "5511999998888@s.whatsapp.net", RecipientAddress(Identity{Phone: "11999998888"}, "55"))
	assert.Equal(t, "11999998888@s.whatsapp.net", RecipientAddress(Identity{Phone: "11999998888"}, ""))
	assert.Equal(t, "12345@g.us", RecipientAddress(Identity{Phone: "12345", IsGroup: true}, "55"))
}
