//go:build !darwin && !linux

package storage

import "errors"

func statMount(string) (mount, error) {
	return mount{}, errors.ErrUnsupported
}
