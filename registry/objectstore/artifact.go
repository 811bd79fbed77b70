// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package objectstore

import (
	"crypto/sha256"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Namespaces an artifact can live under.
const (
	NamespacePending   = "pending"
	NamespaceConfirmed = "confirmed"
	NamespaceRejected  = "rejected"
)

// Team-level slot names. Player slots are derived from the player position.
const (
	SlotPastorLetter   = "pastor_letter"
	SlotPaymentReceipt = "payment_receipt"
	SlotGroupPhoto     = "group_photo"
	SlotAadhar         = "aadhar"
	SlotSubscription   = "subscription"
)

// Artifact is a decoded submission file waiting to be uploaded.
type Artifact struct {
	Slot        string // one of the Slot* constants
	Player      int    // 1-based player position, 0 for team-level slots
	Bytes       []byte
	ContentType string
	SHA256      [32]byte
}

// NewArtifact builds an Artifact and computes its content hash.
func NewArtifact(slot string, player int, data []byte, contentType string) Artifact {
	return Artifact{
		Slot:        slot,
		Player:      player,
		Bytes:       data,
		ContentType: contentType,
		SHA256:      sha256.Sum256(data),
	}
}

// ID returns the stable identifier used as the key of URL maps, independent
// of the team id: "pastor_letter", "player_03_aadhar", ...
func (artifact Artifact) ID() string {
	if artifact.Player == 0 {
		return artifact.Slot
	}
	return PlayerSlotID(artifact.Player, artifact.Slot)
}

// PlayerSlotID returns the stable identifier of a player slot, e.g.
// "player_03_aadhar" for position 3.
func PlayerSlotID(position int, slot string) string {
	return fmt.Sprintf("player_%02d_%s", position, slot)
}

// Key returns the object key for the artifact under the given namespace and
// team id, e.g. "pending/ICCT-007/ICCT-007-P03_aadhar.pdf".
func (artifact Artifact) Key(namespace, teamID string) string {
	return path.Join(namespace, teamID, artifact.fileName(teamID))
}

func (artifact Artifact) fileName(teamID string) string {
	ext := extensionFor(artifact.ContentType)
	if artifact.Player == 0 {
		return artifact.Slot + ext
	}
	return fmt.Sprintf("%s-P%02d_%s%s", teamID, artifact.Player, artifact.Slot, ext)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/jxl":
		return ".jxl"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}

var playerFileRe = regexp.MustCompile(`-P([0-9]{2,})_([a-z]+)(\.[a-z]+)?$`)

// slotIDFromKey recovers the stable slot identifier from an object key.
func slotIDFromKey(key, teamID string) string {
	base := path.Base(key)
	if m := playerFileRe.FindStringSubmatch(base); m != nil && strings.HasPrefix(base, teamID) {
		return fmt.Sprintf("player_%s_%s", m[1], m[2])
	}
	if i := strings.LastIndex(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// renamedKey rewrites an object key from one team id to another, keeping the
// namespace and slot. Player file names embed the team id and are rewritten.
func renamedKey(key, oldTeamID, newTeamID string) string {
	dir, base := path.Split(key)
	dir = strings.Replace(dir, "/"+oldTeamID+"/", "/"+newTeamID+"/", 1)
	if strings.HasPrefix(base, oldTeamID+"-P") {
		base = newTeamID + strings.TrimPrefix(base, oldTeamID)
	}
	return dir + base
}
