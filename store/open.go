package store

import (
	"fmt"
	"io"

	bedrock "github.com/yirzhou/bedrock"

	"github.com/yirzhou/beacon"
)

// Backend names accepted by Open.
const (
	KindFile    = "file"
	KindBedrock = "bedrock"
	KindSQLite  = "sqlite"
	KindBolt    = "bolt"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the named backend rooted at path and a closer releasing it.
func Open(kind, path string) (beacon.JobStore, io.Closer, error) {
	switch kind {
	case KindFile, "":
		return NewFileStore(path), nopCloser{}, nil
	case KindSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case KindBolt:
		s, err := OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case KindBedrock:
		db, err := bedrock.Open(bedrock.NewDefaultConfiguration().WithBaseDir(path))
		if err != nil {
			return nil, nil, err
		}
		return NewBedrockStore(db), db, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", kind)
}
