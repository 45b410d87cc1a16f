package config

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	digest "github.com/opencontainers/go-digest"

	"github.com/nullrunner/mcp-gateway/pkg/gwerrors"
)

// ParsedDockerSource is the result of validating a docker-type
// ServerConfig.Source: a normalized reference, split into its repository
// and (if the reference pinned one) its content digest.
type ParsedDockerSource struct {
	Normalized string
	Digest     digest.Digest
}

// validateDockerSource parses and normalizes a docker ServerConfig.Source,
// validating any pinned digest's algorithm/length. It never pulls or
// inspects the image — purely reference-string validation, consistent
// with this gateway's "no process spawning" scope boundary.
func validateDockerSource(source string) (ParsedDockerSource, error) {
	parsed, err := reference.ParseNormalizedNamed(source)
	if err != nil {
		return ParsedDockerSource{}, gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("invalid docker source %q: %v", source, err))
	}

	result := ParsedDockerSource{Normalized: parsed.String()}

	if canonical, ok := parsed.(reference.Canonical); ok {
		d := canonical.Digest()
		if err := d.Validate(); err != nil {
			return ParsedDockerSource{}, gwerrors.Validation(gwerrors.CodeSchema, fmt.Sprintf("invalid digest on %q: %v", source, err))
		}
		result.Digest = d
	}

	return result, nil
}

// SignatureVerifier checks a resolved reference's signature before the
// server is admitted to the registry — read-only verification, never a
// pull, gated behind Security.VerifySignatures.
type SignatureVerifier interface {
	VerifyReference(ctx context.Context, normalizedRef string) error
}

// validateServerSources runs docker-source validation (and, when
// verifySignatures is set, signature verification) over every
// docker-typed server in cfg.
func validateServerSources(ctx context.Context, cfg MasterConfig, verifier SignatureVerifier, verifySignatures bool) error {
	for _, s := range cfg.Servers {
		if s.Type != ServerTypeDocker || s.Source == "" {
			continue
		}
		parsed, err := validateDockerSource(s.Source)
		if err != nil {
			return err
		}
		if verifySignatures && verifier != nil {
			if err := verifier.VerifyReference(ctx, parsed.Normalized); err != nil {
				return gwerrors.Config(gwerrors.CodeSchema, fmt.Sprintf("signature verification failed for %q", s.ID), err)
			}
		}
	}
	return nil
}
