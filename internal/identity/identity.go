// Package identity turns provider routing addresses into canonical phone
// identities and the deterministic ids derived from them.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// MinPhoneDigits is the shortest digit string accepted for an individual.
const MinPhoneDigits = 10

// ErrInvalidIdentity is returned when an address cannot be resolved to a usable phone.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is a normalized contact identity.
type Identity struct {
	Phone   string `json:"phone"`
	IsGroup bool   `json:"isGroup"`
}

// Normalize derives the canonical phone and group flag from a routing address.
// altSender, when present, is the authoritative phone source for individuals.
func Normalize(routingAddress, altSender string) (Identity, error) {
	routingAddress = strings.TrimSpace(routingAddress)
	altSender = strings.TrimSpace(altSender)

	if IsGroupAddress(routingAddress) {
		phone := digits(userPart(routingAddress))
		if phone == "" {
			return Identity{}, fmt.Errorf("%w: group address %q has no digits", ErrInvalidIdentity, routingAddress)
		}
		return Identity{Phone: phone, IsGroup: true}, nil
	}

	source := routingAddress
	if altSender != "" {
		source = altSender
	}
	phone := digits(userPart(source))
	if len(phone) < MinPhoneDigits {
		return Identity{}, fmt.Errorf("%w: %q resolves to %d digits, need at least %d",
			ErrInvalidIdentity, source, len(phone), MinPhoneDigits)
	}
	return Identity{Phone: phone}, nil
}

// IsGroupAddress reports whether the address carries the group marker.
func IsGroupAddress(address string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(address)), "@"+types.GroupServer)
}

// userPart removes the server suffix (s.whatsapp.net, c.us, lid, g.us) and
// any device or agent suffix.
func userPart(address string) string {
	user := address
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	if dot := strings.IndexByte(user, '.'); dot >= 0 {
		user = user[:dot]
	}
	return user
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContactID is the deterministic contact id for a normalized phone.
func ContactID(phone string) string {
	return "contact_" + phone
}

// ConversationID is the deterministic conversation id for a normalized phone.
func ConversationID(phone string) string {
	return "conv_" + phone
}

// FormatPhone renders a phone for display. Brazilian mobile numbers get the
// +55 (11) 99999-8888 layout, everything else is shown as +digits.
func FormatPhone(phone string) string {
	d := digits(phone)
	if d == "" {
		return phone
	}
	if strings.HasPrefix(d, "55") && (len(d) == 12 || len(d) == 13) {
		area := d[2:4]
		local := d[4:]
		split := len(local) - 4
		return fmt.Sprintf("+55 (%s) %s-%s", area, local[:split], local[split:])
	}
	return "+" + d
}

// GroupPlaceholder is the display name used for groups without metadata.
func GroupPlaceholder(phone string) string {
	if len(phone) > 15 {
		phone = phone[:15]
	}
	return "Grupo " + phone
}

// IsPlaceholderName reports whether name is only a derived stand-in for the phone.
func IsPlaceholderName(name, phone string) bool {
	name = strings.TrimSpace(name)
	return name == "" ||
		name == phone ||
		digits(name) == phone && strings.Trim(name, "+()- 0123456789") == "" ||
		name == FormatPhone(phone) ||
		name == GroupPlaceholder(phone)
}

// RecipientAddress builds the outbound address for a normalized identity.
// A non-empty countryCode is prefixed to 11 digit national numbers.
func RecipientAddress(id Identity, countryCode string) string {
	if id.IsGroup {
		return types.NewJID(id.Phone, types.GroupServer).String()
	}
	phone := id.Phone
	if countryCode != "" && len(phone) == 11 && !strings.HasPrefix(phone, countryCode) {
		phone = countryCode + phone
	}
	return types.NewJID(phone, types.DefaultUserServer).String()
}
