// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/icctcup/registry/registry/objectstore"
)

// DecodeConfig bounds the submission decoder.
type DecodeConfig struct {
	MinPlayers   int   `help:"minimum players per team" default:"11"`
	MaxPlayers   int   `help:"maximum players per team" default:"15"`
	MaxFileBytes int64 `help:"maximum decoded artifact size in bytes" default:"5242880"`
}

// DefaultDecodeConfig matches the tournament rules.
var DefaultDecodeConfig = DecodeConfig{
	MinPlayers:   11,
	MaxPlayers:   15,
	MaxFileBytes: 5 << 20,
}

// SubmittedPlayer is one player entry of a validated submission.
type SubmittedPlayer struct {
	Name string
	Role string
}

// Submission is a fully validated registration payload. Artifact bytes are
// carried separately as objectstore.Artifacts.
type Submission struct {
	ChurchName  string
	TeamName    string
	Captain     Contact
	ViceCaptain Contact
	Players     []SubmittedPlayer
}

// Decode parses and validates a raw submission body, returning the
// validated submission and its decoded artifacts. Field names are accepted
// in both camelCase and snake_case spellings. Decode performs no I/O.
func Decode(raw []byte, config DecodeConfig) (*Submission, []objectstore.Artifact, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return nil, nil, fieldErr("", "bad_json", "request body is not valid JSON")
	}

	sub := &Submission{}
	var artifacts []objectstore.Artifact

	var err error
	if sub.ChurchName, err = pickString(obj, "churchName", "church_name"); err != nil {
		return nil, nil, err
	}
	if err = validateRequiredString("churchName", sub.ChurchName, 1, 200); err != nil {
		return nil, nil, err
	}
	if sub.TeamName, err = pickString(obj, "teamName", "team_name"); err != nil {
		return nil, nil, err
	}
	if err = validateRequiredString("teamName", sub.TeamName, 1, 200); err != nil {
		return nil, nil, err
	}

	if sub.Captain, err = pickContact(obj, "captain", "captain"); err != nil {
		return nil, nil, err
	}
	if err = validateContact("captain", sub.Captain); err != nil {
		return nil, nil, err
	}
	if sub.ViceCaptain, err = pickContact(obj, "viceCaptain", "vice_captain"); err != nil {
		return nil, nil, err
	}
	if err = validateContact("viceCaptain", sub.ViceCaptain); err != nil {
		return nil, nil, err
	}

	// team-level artifacts
	for _, slot := range []struct {
		camel, snake, name string
		allowed            []string
	}{
		{"pastorLetter", "pastor_letter", objectstore.SlotPastorLetter, documentTypes},
		{"paymentReceipt", "payment_receipt", objectstore.SlotPaymentReceipt, documentTypes},
		{"groupPhoto", "group_photo", objectstore.SlotGroupPhoto, photoTypes},
	} {
		value, err := pickOptionalString(obj, slot.camel, slot.snake)
		if err != nil {
			return nil, nil, err
		}
		if value == "" {
			continue
		}
		data, contentType, err := decodeArtifact(slot.camel, value, config.MaxFileBytes, slot.allowed)
		if err != nil {
			return nil, nil, err
		}
		artifacts = append(artifacts, objectstore.NewArtifact(slot.name, 0, data, contentType))
	}

	// players
	playersRaw, ok := pick(obj, "players")
	if !ok {
		return nil, nil, fieldErr("players", "required", "players is required")
	}
	var players []map[string]json.RawMessage
	if err := json.Unmarshal(playersRaw, &players); err != nil {
		return nil, nil, fieldErr("players", "bad_json", "players must be an array of objects")
	}
	if len(players) < config.MinPlayers || len(players) > config.MaxPlayers {
		return nil, nil, fieldErr("players", "bad_count",
			"team must have between %d and %d players", config.MinPlayers, config.MaxPlayers)
	}

	for i, playerObj := range players {
		prefix := fmt.Sprintf("players[%d]", i)
		position := i + 1

		name, err := pickString(playerObj, "name", "name")
		if err != nil {
			return nil, nil, fieldErr(prefix+".name", "required", "player name is required")
		}
		if err := validateRequiredString(prefix+".name", name, 1, 150); err != nil {
			return nil, nil, err
		}
		role, err := pickOptionalString(playerObj, "role", "role")
		if err != nil {
			return nil, nil, err
		}
		if err := validateOptionalString(prefix+".role", role, 20); err != nil {
			return nil, nil, err
		}
		sub.Players = append(sub.Players, SubmittedPlayer{Name: name, Role: role})

		for _, slot := range []struct {
			camel, snake, name string
		}{
			{"aadharFile", "aadhar_file", objectstore.SlotAadhar},
			{"subscriptionFile", "subscription_file", objectstore.SlotSubscription},
		} {
			value, err := pickOptionalString(playerObj, slot.camel, slot.snake)
			if err != nil {
				return nil, nil, err
			}
			if value == "" {
				continue
			}
			data, contentType, err := decodeArtifact(prefix+"."+slot.camel, value, config.MaxFileBytes, pdfOnly)
			if err != nil {
				return nil, nil, err
			}
			artifacts = append(artifacts, objectstore.NewArtifact(slot.name, position, data, contentType))
		}
	}

	return sub, artifacts, nil
}

// Fingerprint returns the canonical hash of a submission and its artifacts,
// used as the idempotency payload hash. Artifact bytes contribute through
// their content hashes.
func (sub *Submission) Fingerprint(artifacts []objectstore.Artifact) string {
	h := sha256.New()

	write := func(parts ...string) {
		for _, part := range parts {
			_ = binary.Write(h, binary.BigEndian, uint32(len(part)))
			_, _ = h.Write([]byte(part))
		}
	}

	write(sub.ChurchName, sub.TeamName)
	for _, contact := range []Contact{sub.Captain, sub.ViceCaptain} {
		write(contact.Name, contact.Phone, contact.Whatsapp, contact.Email)
	}
	for _, player := range sub.Players {
		write(player.Name, player.Role)
	}

	ids := make([]string, 0, len(artifacts))
	byID := make(map[string][32]byte, len(artifacts))
	for _, artifact := range artifacts {
		ids = append(ids, artifact.ID())
		byID[artifact.ID()] = artifact.SHA256
	}
	sort.Strings(ids)
	for _, id := range ids {
		sum := byID[id]
		write(id)
		_, _ = h.Write(sum[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}

func pick(obj map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if raw, ok := obj[key]; ok && !bytes.Equal(raw, []byte("null")) {
			return raw, true
		}
	}
	return nil, false
}

func pickString(obj map[string]json.RawMessage, camel, snake string) (string, error) {
	raw, ok := pick(obj, camel, snake)
	if !ok {
		return "", fieldErr(camel, "required", "%s is required", camel)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fieldErr(camel, "bad_type", "%s must be a string", camel)
	}
	return value, nil
}

func pickOptionalString(obj map[string]json.RawMessage, camel, snake string) (string, error) {
	raw, ok := pick(obj, camel, snake)
	if !ok {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fieldErr(camel, "bad_type", "%s must be a string", camel)
	}
	return value, nil
}

func pickContact(obj map[string]json.RawMessage, camel, snake string) (Contact, error) {
	raw, ok := pick(obj, camel, snake)
	if !ok {
		return Contact{}, fieldErr(camel, "required", "%s is required", camel)
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil {
		return Contact{}, fieldErr(camel, "bad_type", "%s must be an object", camel)
	}
	var contact Contact
	var err error
	if contact.Name, err = pickOptionalString(inner, "name", "name"); err != nil {
		return Contact{}, err
	}
	if contact.Phone, err = pickOptionalString(inner, "phone", "phone"); err != nil {
		return Contact{}, err
	}
	if contact.Whatsapp, err = pickOptionalString(inner, "whatsapp", "whatsapp"); err != nil {
		return Contact{}, err
	}
	if contact.Email, err = pickOptionalString(inner, "email", "email"); err != nil {
		return Contact{}, err
	}
	return contact, nil
}
