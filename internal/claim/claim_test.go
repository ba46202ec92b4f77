package claim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func newPVC(name, size string) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       "default",
			ResourceVersion: "42",
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			VolumeName: "pv-" + name,
		},
	}
	if size != "" {
		pvc.Spec.Resources.Requests = corev1.ResourceList{
			corev1.ResourceStorage: resource.MustParse(size),
		}
	}
	return pvc
}

func TestFromPVC(t *testing.T) {
	c, err := FromPVC(newPVC("data", "5Gi"))
	require.NoError(t, err)

	assert.Equal(t, "default/data", c.Key())
	assert.Equal(t, "pv-data", c.VolumeName)
	assert.Equal(t, "42", c.ResourceVersion)
	assert.Equal(t, "5Gi", c.RequestedSize.String())
	assert.Equal(t, resource.BinarySI, c.RequestedSize.Format)
}

func TestFromPVCMissingSize(t *testing.T) {
	c, err := FromPVC(newPVC("empty", ""))

	var missing *MissingSizeError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "default/empty", missing.ID.String())
	// identity is still populated so the caller can report the claim
	assert.Equal(t, "default/empty", c.Key())
	assert.Equal(t, "pv-empty", c.VolumeName)
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		name    string
		size    string
		wantErr bool
	}{
		{name: "binary matches", size: "1Gi"},
		{name: "decimal suffix", size: "1G", wantErr: true},
		{name: "plain bytes", size: "1073741824", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromPVC(newPVC("data", tt.size))
			require.NoError(t, err)

			err = CheckFormat(c, resource.BinarySI)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var mismatch *UnitMismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, resource.BinarySI, mismatch.Want)
			assert.Contains(t, err.Error(), "default/data")
		})
	}
}
