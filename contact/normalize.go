// Package contact canonicalizes inbound respondent records and derives the
// survey-scoped dedup key used to keep one queue entry per phone number.
package contact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// Raw is a respondent record as received from the contact-file collaborator.
type Raw struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	AC      string `json:"ac,omitempty"`
	PC      string `json:"pc,omitempty"`
	PS      string `json:"ps,omitempty"`
}

// Normalized is a canonical contact plus its dedup key.
type Normalized struct {
	Contact  queue.Contact
	DedupKey string
}

// canonical carries the validation rules applied after cleaning.
type canonical struct {
	Name    string `validate:"required,max=200"`
	Phone   string `validate:"required,numeric,min=10,max=15"`
	Email   string `validate:"omitempty,email,max=254"`
	Address string `validate:"max=500"`
	City    string `validate:"max=120"`
	AC      string `validate:"max=64"`
	PC      string `validate:"max=64"`
	PS      string `validate:"max=128"`
}

// validate caches struct metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalizer turns Raw records into canonical contacts. It holds no state
// besides configuration and is safe for concurrent use; the zero value
// applies no country code.
type Normalizer struct {
	// CountryCode, when set, is prefixed to 10-digit national numbers,
	// replaces a single leading trunk 0 on 11-digit numbers and drops the
	// 00 international prefix in front of itself, so "09000000001",
	// "9000000001", "+91 90000 00001" and "(0091) 9000000001" share a dedup
	// key under "91".
	CountryCode string
}

// NewNormalizer builds a Normalizer.
func NewNormalizer(countryCode string) *Normalizer {
	return &Normalizer{CountryCode: DigitsOnly(countryCode)}
}

// Normalize canonicalizes raw for surveyID. Failures wrap queue.ErrInvalidContact.
func (n *Normalizer) Normalize(surveyID string, raw Raw) (Normalized, error) {
	if strings.TrimSpace(surveyID) == "" {
		return Normalized{}, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}
	c := canonical{
		Name:    collapseSpaces(raw.Name),
		Phone:   n.canonicalPhone(raw.Phone),
		Email:   strings.ToLower(strings.TrimSpace(raw.Email)),
		Address: collapseSpaces(raw.Address),
		City:    collapseSpaces(raw.City),
		AC:      strings.TrimSpace(raw.AC),
		PC:      strings.TrimSpace(raw.PC),
		PS:      collapseSpaces(raw.PS),
	}
	if err := validate.Struct(c); err != nil {
		return Normalized{}, invalidContact(err)
	}

	return Normalized{
		Contact: queue.Contact{
			Name:    c.Name,
			Phone:   c.Phone,
			Email:   c.Email,
			Address: c.Address,
			City:    c.City,
			AC:      c.AC,
			PC:      c.PC,
			PS:      c.PS,
		},
		DedupKey: DedupKey(surveyID, c.Phone),
	}, nil
}

func (n *Normalizer) canonicalPhone(raw string) string {
	digits := DigitsOnly(raw)
	cc := DigitsOnly(n.CountryCode)
	if cc == "" {
		return digits
	}
	switch {
	case strings.HasPrefix(digits, "00"+cc):
		return digits[2:]
	case len(digits) == minPhoneDigits+1 && digits[0] == '0':
		return cc + digits[1:]
	case len(digits) == minPhoneDigits:
		return cc + digits
	default:
		return digits
	}
}

// DedupKey returns the survey-scoped identity of a canonical phone number.
func DedupKey(surveyID, phone string) string {
	h := sha256.New()
	h.Write([]byte(surveyID))
	h.Write([]byte{0})
	h.Write([]byte(phone))
	return hex.EncodeToString(h.Sum(nil))
}

// DigitsOnly strips every non-digit character from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func invalidContact(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", queue.ErrInvalidContact, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.StructField())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min", "max":
			if field == "phone" {
				msgs = append(msgs, fmt.Sprintf("phone must have %d-%d digits, got %d", minPhoneDigits, maxPhoneDigits, len(fmt.Sprint(fe.Value()))))
				continue
			}
			msgs = append(msgs, fmt.Sprintf("%s violates %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is not a valid %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", queue.ErrInvalidContact, strings.Join(msgs, "; "))
}
