// Package registry mutates config documents: importing factory bundles into
// the resource store and swapping individual payloads. All operations are
// copy-on-write; callers deploy the returned document to make it take effect.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

// ErrDuplicateBundle is returned when an import reuses an existing bundle id.
var ErrDuplicateBundle = errors.New("bundle id already in use")

// payloadFiles maps the well-known file names inside a factory bundle to the
// payload roles they fill. The toolkit installer serves both the DUT and the
// server side.
var payloadFiles = map[string][]string{
	"install_factory_toolkit.run": {
		confdoc.RoleDeviceFactoryToolkit,
		confdoc.RoleServerFactoryToolkit,
	},
	"firmware.gz":         {confdoc.RoleFirmware},
	"hwid.gz":             {confdoc.RoleHWID},
	"rootfs-test.gz":      {confdoc.RoleRootfsTest},
	"rootfs-release.gz":   {confdoc.RoleRootfsRelease},
	"netboot_firmware.gz": {confdoc.RoleNetbootFirmware},
	"complete.gz":         {confdoc.RoleCompleteScript},
}

// updateTypes maps the payload type names accepted by UpdateResources to the
// roles they overwrite. "fsi" is the final shipping image, which lands in the
// release rootfs slot.
var updateTypes = map[string][]string{
	"factory_toolkit": {
		confdoc.RoleDeviceFactoryToolkit,
		confdoc.RoleServerFactoryToolkit,
	},
	"firmware":         {confdoc.RoleFirmware},
	"fsi":              {confdoc.RoleRootfsRelease},
	"hwid":             {confdoc.RoleHWID},
	"rootfs_test":      {confdoc.RoleRootfsTest},
	"netboot_firmware": {confdoc.RoleNetbootFirmware},
	"complete_script":  {confdoc.RoleCompleteScript},
}

// ImportBundle scans dir for payload files, stores each one, and returns a
// new document with the bundle appended and an active ruleset for it
// prepended, so freshly imported bundles win selection immediately after
// deploy. The returned id is the bundle's, generated from the import time
// when the caller passes none.
func ImportBundle(store *resstore.Store, doc *confdoc.Document, dir, bundleID, note string) (*confdoc.Document, string, error) {
	if bundleID == "" {
		bundleID = "factory_bundle_" + time.Now().Format("20060102_150405")
	}
	if _, ok := doc.GetBundle(bundleID); ok {
		return nil, "", fmt.Errorf("import bundle %q: %w", bundleID, ErrDuplicateBundle)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("read bundle dir: %w", err)
	}

	resources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		roles, ok := payloadFiles[entry.Name()]
		if !ok {
			continue
		}
		id, err := store.AddResource(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, "", fmt.Errorf("import bundle %q: %w", bundleID, err)
		}
		for _, role := range roles {
			resources[role] = id
		}
	}
	if len(resources) == 0 {
		return nil, "", fmt.Errorf("no payload files found in %q", dir)
	}

	next := doc.Clone()
	next.Bundles = append(next.Bundles, confdoc.Bundle{
		ID:        bundleID,
		Note:      note,
		Resources: resources,
	})
	next.Rulesets = append([]confdoc.Ruleset{{
		BundleID: bundleID,
		Note:     note,
		Active:   true,
	}}, next.Rulesets...)

	if err := next.Validate(); err != nil {
		return nil, "", err
	}
	return next, bundleID, nil
}

// ResourcePair names one payload swap: the update type and the file to
// install for it.
type ResourcePair struct {
	Type string
	Path string
}

// UpdateResources returns a new document with the given payloads replaced in
// a bundle. With sourceID empty the default bundle is updated. A non-empty
// destID leaves the source untouched: the source bundle is copied under the
// new id, placed ahead of the others, and the copy takes the updates. A
// destID naming any existing bundle, the source included, is rejected. All
// pairs are validated before anything is stored.
func UpdateResources(store *resstore.Store, doc *confdoc.Document, pairs []ResourcePair, sourceID, destID string) (*confdoc.Document, error) {
	if len(pairs) == 0 {
		return nil, errors.New("no resources to update")
	}
	for _, p := range pairs {
		roles, ok := updateTypes[p.Type]
		if !ok || len(roles) == 0 {
			return nil, fmt.Errorf("unknown payload type %q", p.Type)
		}
		info, err := os.Stat(p.Path)
		if err != nil {
			return nil, fmt.Errorf("payload %q: %w", p.Type, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("payload %q: %q is a directory", p.Type, p.Path)
		}
	}

	var source *confdoc.Bundle
	if sourceID == "" {
		b, err := doc.GetDefaultBundle()
		if err != nil {
			return nil, err
		}
		source = b
	} else {
		b, ok := doc.GetBundle(sourceID)
		if !ok {
			return nil, fmt.Errorf("unknown bundle %q", sourceID)
		}
		source = b
	}

	next := doc.Clone()
	target, _ := next.GetBundle(source.ID)

	if destID != "" {
		if _, ok := next.GetBundle(destID); ok {
			return nil, fmt.Errorf("update into %q: %w", destID, ErrDuplicateBundle)
		}
		dest := confdoc.Bundle{
			ID:        destID,
			Note:      fmt.Sprintf("updated from %q", source.ID),
			Resources: make(map[string]string, len(source.Resources)),
		}
		for role, res := range source.Resources {
			dest.Resources[role] = res
		}
		next.Bundles = append([]confdoc.Bundle{dest}, next.Bundles...)
		target, _ = next.GetBundle(destID)
	}

	for _, p := range pairs {
		id, err := store.AddResource(p.Path)
		if err != nil {
			return nil, err
		}
		for _, role := range updateTypes[p.Type] {
			target.Resources[role] = id
		}
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// ExportPayload copies one payload of a bundle out of the store to destPath.
func ExportPayload(store *resstore.Store, doc *confdoc.Document, bundleID, role, destPath string) error {
	bundle, ok := doc.GetBundle(bundleID)
	if !ok {
		return fmt.Errorf("unknown bundle %q", bundleID)
	}
	res, ok := bundle.Resources[role]
	if !ok {
		return fmt.Errorf("bundle %q carries no %q payload", bundleID, role)
	}
	return store.Export(res, destPath)
}
