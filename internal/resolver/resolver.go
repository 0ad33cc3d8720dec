// Package resolver maps the identity a payload claims onto a provisioned
// device.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"tracklink/internal/codec"
	"tracklink/internal/directory"
)

// ErrUnresolved is terminal for the message: no device, or more than one,
// matches the claim.
var ErrUnresolved = errors.New("unresolved device")

type Resolver struct {
	dir directory.Directory
}

func New(dir directory.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve tries imei first, then device_id. An imei token that matches no
// imei is also tried as a device_id, since some firmware reports the imei in
// the id slot. Directory failures other than not-found come back unchanged
// so the caller can retry.
func (r *Resolver) Resolve(ctx context.Context, claim codec.Identity) (directory.Identity, error) {
	if claim.Empty() {
		return directory.Identity{}, ErrUnresolved
	}

	var byIMEI, byID *directory.Identity

	if claim.IMEI != "" {
		d, err := r.dir.FindByIMEI(ctx, claim.IMEI)
		switch {
		case err == nil:
			byIMEI = &d
		case !errors.Is(err, directory.ErrNotFound):
			return directory.Identity{}, fmt.Errorf("find by imei: %w", err)
		}
	}

	idToken := claim.DeviceID
	if idToken == "" && byIMEI == nil {
		idToken = claim.IMEI
	}
	if idToken != "" {
		d, err := r.dir.FindByDeviceID(ctx, idToken)
		switch {
		case err == nil:
			byID = &d
		case !errors.Is(err, directory.ErrNotFound):
			return directory.Identity{}, fmt.Errorf("find by device_id: %w", err)
		}
	}

	switch {
	case byIMEI != nil && byID != nil && byIMEI.Ref != byID.Ref:
		return directory.Identity{}, fmt.Errorf("%w: imei %s and device_id %s name different devices",
			ErrUnresolved, claim.IMEI, idToken)
	case byIMEI != nil:
		return *byIMEI, nil
	case byID != nil:
		return *byID, nil
	}
	return directory.Identity{}, ErrUnresolved
}
