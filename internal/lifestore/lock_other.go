//go:build !unix

package lifestore

type DirLock struct{}

func AcquireDirLock(dir string) (*DirLock, error) {
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &DirLock{}, nil
}

func (l *DirLock) Release() error {
	return nil
}
