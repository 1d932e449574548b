// Copyright 2026 The Springboard Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diskimage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"springboard.dev/springboard/pkg/log"
)

var errLocked = errors.New("image is locked by another writer")

// lockRetry is the delay between attempts to take the output lock.
var lockRetry = 100 * time.Millisecond

// WriteFile stores img at path. Writers of the same path are serialized
// with a lock file next to it. The image is written to a temporary file
// that is renamed over path, so a failed write leaves no partial image.
func WriteFile(ctx context.Context, path string, img *Image) error {
	lock := flock.NewFlock(path + ".lock")
	op := func() error {
		locked, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("locking %q: %w", lock.Path(), err))
		}
		if !locked {
			return errLocked
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(lockRetry), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("acquiring lock on %q: %w", lock.Path(), err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warningf("Unlocking %q: %v", lock.Path(), err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err := img.WriteTo(tmp); err != nil {
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	ok = true
	log.Infof("Wrote %q (%d bytes)", path, img.Size())
	return nil
}
