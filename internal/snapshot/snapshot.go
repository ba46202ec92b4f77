// internal/snapshot/snapshot.go
package snapshot

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/devzero-inc/pvcwatch/internal/claim"
)

// DefaultPageSize is the number of claims requested per list call
const DefaultPageSize int64 = 500

// Snapshot is the full set of claims in a namespace at one resource version
type Snapshot struct {
	Namespace string

	// Claims have a readable storage request and take part in the baseline
	Claims []claim.Claim

	// Rejected claims could not be read and are left out of the baseline
	Rejected []Rejected

	// ResourceVersion is the checkpoint to start watching from
	ResourceVersion string
}

// Rejected is a listed claim that could not be counted
type Rejected struct {
	Claim claim.Claim
	Err   error
}

// Total returns the exact sum of the snapshot's claim sizes in the given format
func (s *Snapshot) Total(format resource.Format) resource.Quantity {
	total := *resource.NewQuantity(0, format)
	for _, c := range s.Claims {
		total.Add(c.RequestedSize)
	}
	total.Format = format
	return total
}

// ConnectivityError is returned when the claims of a namespace cannot be read
type ConnectivityError struct {
	Namespace string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot list claims in namespace %q: %v", e.Namespace, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Loader reads claim snapshots through the Kubernetes API
type Loader struct {
	client   kubernetes.Interface
	pageSize int64
	logger   logr.Logger
}

// NewLoader creates a Loader. A non-positive pageSize uses DefaultPageSize.
func NewLoader(client kubernetes.Interface, pageSize int64, logger logr.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Loader{
		client:   client,
		pageSize: pageSize,
		logger:   logger.WithName("snapshot-loader"),
	}
}

// Load lists every claim in namespace. Pages after the first are served from
// the same resource version through the continue token, so the result is a
// consistent point in time.
func (l *Loader) Load(ctx context.Context, namespace string) (*Snapshot, error) {
	snap := &Snapshot{Namespace: namespace}
	opts := metav1.ListOptions{Limit: l.pageSize}

	for {
		list, err := l.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, opts)
		if err != nil {
			return nil, &ConnectivityError{Namespace: namespace, Err: err}
		}
		if snap.ResourceVersion == "" {
			snap.ResourceVersion = list.ResourceVersion
		}

		for i := range list.Items {
			c, err := claim.FromPVC(&list.Items[i])
			if err != nil {
				l.logger.Info("Skipping claim without a readable size", "claim", c.Key(), "error", err.Error())
				snap.Rejected = append(snap.Rejected, Rejected{Claim: c, Err: err})
				continue
			}
			snap.Claims = append(snap.Claims, c)
		}

		if list.Continue == "" {
			break
		}
		opts.Continue = list.Continue
	}

	l.logger.Info("Loaded claim snapshot",
		"namespace", namespace,
		"claims", len(snap.Claims),
		"rejected", len(snap.Rejected),
		"resourceVersion", snap.ResourceVersion)
	return snap, nil
}
