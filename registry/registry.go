// Package registry publishes built images to the image registry and resolves
// the registry URL when provisioning did not produce one.
package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"go.uber.org/zap"
)

// BuildTag derives the image tag from the source commit and the build
// counter, e.g. "3f9c2ab1d4e5-42". Pushing the same tag twice overwrites it,
// which keeps the publish stage idempotent.
func BuildTag(commitShort, buildNumber string) string {
	return fmt.Sprintf("%s-%s", commitShort, buildNumber)
}

// Pusher publishes image tarballs to a registry using the ambient keychain
// credentials.
type Pusher struct {
	lggr *zap.SugaredLogger
}

// NewPusher creates a Pusher.
func NewPusher(lggr *zap.SugaredLogger) *Pusher {
	return &Pusher{lggr: lggr}
}

// Push loads the image tarball and pushes it to ref. Same-tag pushes are
// idempotent overwrites.
func (p *Pusher) Push(ctx context.Context, tarball, ref string) error {
	if _, err := name.ParseReference(ref); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	img, err := crane.Load(tarball)
	if err != nil {
		return fmt.Errorf("loading image tarball %s: %w", tarball, err)
	}

	p.lggr.Infow("Pushing image", "ref", ref, "tarball", tarball)
	if err := crane.Push(img, ref, crane.WithContext(ctx)); err != nil {
		return fmt.Errorf("pushing %s: %w", ref, err)
	}

	return nil
}

// Tag adds an extra tag (e.g. "latest") to an already pushed reference.
func (p *Pusher) Tag(ctx context.Context, ref, tag string) error {
	p.lggr.Infow("Tagging image", "ref", ref, "tag", tag)
	if err := crane.Tag(ref, tag, crane.WithContext(ctx)); err != nil {
		return fmt.Errorf("tagging %s as %s: %w", ref, tag, err)
	}

	return nil
}
