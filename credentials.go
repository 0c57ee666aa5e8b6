package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credentials identify one broker session. Namespace is the topic prefix the
// session subscribes under.
type Credentials struct {
	ClientID  string
	Username  string
	Password  string
	Email     string
	Namespace string
}

// SubscriptionPattern is the wildcard pattern covering the whole namespace
func (c Credentials) SubscriptionPattern() string {
	return strings.TrimSuffix(c.Namespace, "/") + "/#"
}

// CredentialDeriver turns login identity fields into broker credentials
type CredentialDeriver interface {
	Derive(fields IdentityFields) (Credentials, error)
}

// CredentialDeriverFunc adapts a function to CredentialDeriver
type CredentialDeriverFunc func(fields IdentityFields) (Credentials, error)

func (f CredentialDeriverFunc) Derive(fields IdentityFields) (Credentials, error) {
	return f(fields)
}

// GroupCredentialDeriver derives the class/group credentials used by the
// bankit broker. The password suffix is the sum of the last three digits of
// every member NRP, zero padded to three digits.
type GroupCredentialDeriver struct {
	now func() time.Time
}

func NewGroupCredentialDeriver() *GroupCredentialDeriver {
	return &GroupCredentialDeriver{now: time.Now}
}

func (d *GroupCredentialDeriver) Derive(fields IdentityFields) (Credentials, error) {
	kelas := strings.TrimSpace(fields.Kelas)
	kelompok := strings.TrimSpace(fields.Kelompok)
	if kelas == "" || kelompok == "" {
		return Credentials{}, NewValidationError("derive", "kelas and kelompok are required")
	}

	sum := 0
	for _, nrp := range fields.NRPs {
		nrp = strings.TrimSpace(nrp)
		if len(nrp) < 3 {
			return Credentials{}, NewValidationError("derive", fmt.Sprintf("nrp %q is too short", nrp))
		}
		n, err := strconv.Atoi(nrp[len(nrp)-3:])
		if err != nil || n < 0 {
			return Credentials{}, NewValidationError("derive", fmt.Sprintf("nrp %q does not end in three digits", nrp))
		}
		sum += n
	}

	now := time.Now
	if d != nil && d.now != nil {
		now = d.now
	}

	return Credentials{
		ClientID:  fmt.Sprintf("ws_client_%s_%s_%d_%s", kelas, kelompok, now().UnixMilli(), uuid.NewString()[:8]),
		Username:  fmt.Sprintf("Kelompok_%s_Kelas_%s", kelompok, kelas),
		Password:  fmt.Sprintf("Insys#%s%s#%03d", kelas, kelompok, sum),
		Email:     fmt.Sprintf("insys-%s-%s@bankit.com", kelas, kelompok),
		Namespace: kelas + "/" + kelompok,
	}, nil
}
