// Package publish delivers the rendered digest to its destinations. Each
// destination implements Publisher; the aggregation handler fans the document
// out to all of them and treats any failure as a failed publish.
package publish

import (
	"context"

	"github.com/birdsonghq/dawn-chorus/internal/digest"
)

// Publisher delivers a digest document to one destination.
type Publisher interface {
	// Name identifies the destination in logs and batch records.
	Name() string
	// Publish delivers the document. Implementations are idempotent for the
	// same digest date so retries and force-publish can safely re-deliver.
	Publish(ctx context.Context, doc *digest.Document) error
}
