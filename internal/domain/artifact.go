package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// DefaultMaxArtifactSize matches the upload limit of the original web API (10 MiB)
const DefaultMaxArtifactSize int64 = 10 * 1024 * 1024

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func artifactValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Limits bounds what the submission interface accepts
type Limits struct {
	MaxSize int64
}

type fileInput struct {
	Name         string `json:"name" validate:"required,max=255"`
	DeclaredSize int64  `json:"size" validate:"gte=0"`
	Length       int    `json:"payload" validate:"gt=0"`
}

type networkInput struct {
	Source  string         `json:"source" validate:"max=255"`
	Traffic map[string]any `json:"traffic" validate:"required,min=1"`
}

// NewFileArtifact validates an uploaded file and computes its content hash.
// declaredSize may be zero when the caller does not know it; otherwise it
// must match the number of bytes received.
func NewFileArtifact(name string, data []byte, declaredSize int64, limits Limits, now time.Time) (Artifact, error) {
	in := fileInput{Name: strings.TrimSpace(name), DeclaredSize: declaredSize, Length: len(data)}
	if err := validateInput(in); err != nil {
		return Artifact{}, err
	}
	if declaredSize > 0 && declaredSize != int64(len(data)) {
		return Artifact{}, NewValidationError("size", fmt.Sprintf("declared %d bytes, received %d", declaredSize, len(data)))
	}
	if err := checkSize(int64(len(data)), limits); err != nil {
		return Artifact{}, err
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	return Artifact{
		Hash:       HashBytes(payload),
		Kind:       KindFile,
		Payload:    payload,
		Size:       int64(len(payload)),
		Name:       in.Name,
		IngestedAt: now.UTC(),
	}, nil
}

// NewNetworkArtifact validates a traffic record and hashes its canonical
// JSON encoding (object keys sorted), so that logically identical records
// submitted with different key orders share one hash.
func NewNetworkArtifact(source string, traffic map[string]any, limits Limits, now time.Time) (Artifact, error) {
	in := networkInput{Source: strings.TrimSpace(source), Traffic: traffic}
	if err := validateInput(in); err != nil {
		return Artifact{}, err
	}

	payload, err := json.Marshal(traffic)
	if err != nil {
		return Artifact{}, NewValidationError("traffic", fmt.Sprintf("not encodable: %v", err))
	}
	if err := checkSize(int64(len(payload)), limits); err != nil {
		return Artifact{}, err
	}

	name := in.Source
	if name == "" {
		name = "network"
	}

	return Artifact{
		Hash:       HashBytes(payload),
		Kind:       KindNetwork,
		Payload:    payload,
		Size:       int64(len(payload)),
		Name:       name,
		IngestedAt: now.UTC(),
	}, nil
}

// Traffic decodes the payload of a network artifact
func (a Artifact) Traffic() (map[string]any, error) {
	if a.Kind != KindNetwork {
		return nil, fmt.Errorf("artifact %s is not a network record", a.Hash)
	}
	var traffic map[string]any
	if err := json.Unmarshal(a.Payload, &traffic); err != nil {
		return nil, fmt.Errorf("decode traffic record: %w", err)
	}
	return traffic, nil
}

// HashBytes returns the hex-encoded SHA-256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checkSize(size int64, limits Limits) error {
	limit := limits.MaxSize
	if limit <= 0 {
		limit = DefaultMaxArtifactSize
	}
	if size > limit {
		return NewValidationError("payload", fmt.Sprintf("%d bytes exceeds limit of %d", size, limit))
	}
	return nil
}

func validateInput(v any) error {
	err := artifactValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return NewValidationError("artifact", err.Error())
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		if fe.Field() == "payload" {
			return "must not be empty"
		}
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
