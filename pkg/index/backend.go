package index

// OpenFlags mirror the flag set Checkout accepts:
// {OPEN, CREATE_OR_OPEN, WRITABLE, DISABLE_WAL, SYNCHRONOUS_WAL}.
type OpenFlags uint8

const (
	FlagOpen OpenFlags = 1 << iota
	FlagCreateOrOpen
	FlagWritable
	FlagDisableWAL
	FlagSynchronousWAL
)

func (f OpenFlags) Has(flag OpenFlags) bool { return f&flag != 0 }

// Backend is the external, opaque index engine interface: xapiand
// treats the actual inverted-index implementation as a collaborator
// consumed through this contract, never implemented here in
// production code.
type Backend interface {
	AddDocument(doc []byte) (docID uint32, err error)
	ReplaceDocument(docID uint32, doc []byte) error
	ReplaceDocumentTerm(term string, doc []byte) (docID uint32, err error)
	DeleteDocument(docID uint32) error
	DeleteDocumentTerm(term string) error
	Commit() (newRevision uint64, err error)
	Reopen() error
	GetMetadata(key string) ([]byte, bool, error)
	// SetMetadata writes value under key. If ifEmpty is true the write
	// only succeeds when key was previously absent -- the compare-and-
	// swap primitive pkg/schema relies on.
	SetMetadata(key string, value []byte, ifEmpty bool) (bool, error)
	GetRevision() uint64
	GetUUID() [16]byte
	Close() error
}

// OpenFunc opens (or creates) the Backend rooted at path honouring
// flags. Supplied by whatever concrete IndexBackend implementation is
// wired into the pool; pkg/index/memindex provides a reference
// implementation for tests.
type OpenFunc func(path string, flags OpenFlags) (Backend, error)
