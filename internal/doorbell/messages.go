package doorbell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/doorsight/internal/registry"
	"github.com/andresmejia3/doorsight/internal/vision"
)

const (
	MsgChecking       = "Checking who is at the door. Please wait."
	MsgNoFrame        = "Sorry, the camera image could not be captured."
	MsgNoFace         = "A person may be present but no face is clearly visible."
	MsgUnknownPrefix  = "Unknown visitor: "
	MsgVisionTimeout  = "Sorry, describing the visitor took too long."
	MsgVisionFailure  = "Sorry, the visitor could not be described."
	lowConfidenceNote = " (recognition confidence %.2f)"

	// lowConfidence is the level below which greetings carry the confidence.
	lowConfidence = 0.8
)

// supplementary lines spoken after the greeting, by relationship.
var supplementary = map[string]string{
	registry.RelationshipFamily:   "Welcome home, good work today.",
	registry.RelationshipDelivery: "I will take the package.",
	registry.RelationshipPostal:   "Thank you for the mail.",
}

// Greeting composes the primary line for a recognized person and the
// optional lower-priority line that follows it.
func Greeting(p registry.Person, confidence float64) (primary, extra string) {
	switch p.Relationship {
	case registry.RelationshipFamily:
		if p.RecognitionCount == 1 {
			primary = fmt.Sprintf("Welcome home, %s! This is the first time I recognized you.", p.Name)
		} else {
			primary = fmt.Sprintf("Welcome home, %s!", p.Name)
		}
	case registry.RelationshipDelivery:
		primary = fmt.Sprintf("%s from the delivery service is here. Thank you as always.", p.Name)
		if notes := strings.TrimSpace(p.Notes); notes != "" {
			primary += " " + notes
		}
	case registry.RelationshipPostal:
		primary = fmt.Sprintf("%s the mail carrier is here. Thank you for your hard work.", p.Name)
	case registry.RelationshipFriend:
		primary = fmt.Sprintf("Your friend %s is here. Welcome!", p.Name)
	default:
		primary = fmt.Sprintf("%s is here. Welcome.", p.Name)
	}

	if confidence < lowConfidence {
		primary += fmt.Sprintf(lowConfidenceNote, confidence)
	}
	return primary, supplementary[p.Relationship]
}

// describeFailure turns a vision error into something that can be spoken.
func describeFailure(err error) string {
	if errors.Is(err, vision.ErrTimeout) {
		return MsgVisionTimeout
	}
	return MsgVisionFailure
}
