// internal/claim/claim.go
package claim

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
)

// Claim is the part of a PersistentVolumeClaim that takes part in aggregation
type Claim struct {
	// ID is the namespace/name of the claim
	ID types.NamespacedName

	// RequestedSize is spec.resources.requests["storage"]
	RequestedSize resource.Quantity

	// VolumeName is the bound PersistentVolume, display only
	VolumeName string

	// ResourceVersion of the object this claim was read from
	ResourceVersion string
}

// Key returns the "namespace/name" form of the claim ID
func (c Claim) Key() string {
	return c.ID.String()
}

// FromPVC converts a PVC into a Claim. The returned Claim always carries the ID,
// volume name and resource version, even when the size cannot be read.
func FromPVC(pvc *corev1.PersistentVolumeClaim) (Claim, error) {
	c := Claim{
		ID: types.NamespacedName{
			Namespace: pvc.Namespace,
			Name:      pvc.Name,
		},
		VolumeName:      pvc.Spec.VolumeName,
		ResourceVersion: pvc.ResourceVersion,
	}

	size, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if !ok {
		return c, &MissingSizeError{ID: c.ID}
	}
	c.RequestedSize = size.DeepCopy()
	return c, nil
}

// CheckFormat returns a UnitMismatchError when the claim size is not expressed in want.
func CheckFormat(c Claim, want resource.Format) error {
	if c.RequestedSize.Format != want {
		return &UnitMismatchError{
			ID:   c.ID,
			Size: c.RequestedSize.String(),
			Got:  c.RequestedSize.Format,
			Want: want,
		}
	}
	return nil
}

// MissingSizeError is returned for a claim without a storage request
type MissingSizeError struct {
	ID types.NamespacedName
}

func (e *MissingSizeError) Error() string {
	return fmt.Sprintf("claim %s has no %q request", e.ID, corev1.ResourceStorage)
}

// UnitMismatchError is returned when a claim size uses a different unit system
// than the aggregate it would be added to.
type UnitMismatchError struct {
	ID   types.NamespacedName
	Size string
	Got  resource.Format
	Want resource.Format
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("claim %s size %s is %s, aggregate is %s", e.ID, e.Size, e.Got, e.Want)
}
