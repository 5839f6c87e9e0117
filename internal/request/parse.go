package request

import (
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

const MaxFilesInInsert = 10000

// KindForMessage maps an inbound message name to a request kind.
func KindForMessage(name string) (Kind, bool) {
	switch name {
	case "ClientGet":
		return KindGet, true
	case "ClientPut":
		return KindPut, true
	case "ClientPutDiskDir", "ClientPutComplexDir":
		return KindPutDir, true
	}
	return 0, false
}

// ParseOptions validates a ClientGet/ClientPut/ClientPutDir message. The returned bucket owns the
// inline payload, if any.
func ParseOptions(m *fcp.Message) (Options, Bucket, error) {
	kind, ok := KindForMessage(m.Name)
	if !ok {
		return Options{}, nil, fcp.NewProtocolError(fcp.InvalidMessage, m.Name, m.Identifier(), m.Global())
	}
	id, err := fcp.RequireField(m, fcp.FieldIdentifier)
	if err != nil {
		return Options{}, nil, err
	}
	global, err := fcp.BoolField(m, fcp.FieldGlobal, false)
	if err != nil {
		return Options{}, nil, err
	}
	opts := Options{Identifier: id, Kind: kind, Global: global}
	protoErr := func(code fcp.ProtocolErrorCode, extra string) error {
		return fcp.NewProtocolError(code, extra, id, global)
	}

	if opts.URI, err = fcp.RequireField(m, "URI"); err != nil {
		return Options{}, nil, err
	}
	if !strings.Contains(opts.URI, "@") {
		return Options{}, nil, protoErr(fcp.URIParseError, opts.URI)
	}
	if opts.Persistence, err = ParsePersistence(m.Fields.Get("Persistence")); err != nil {
		return Options{}, nil, protoErr(fcp.InvalidField, err.Error())
	}
	verbosity, err := fcp.IntField(m, "Verbosity", 0)
	if err != nil {
		return Options{}, nil, err
	}
	opts.Verbosity = Verbosity(verbosity)
	priority, err := fcp.IntField(m, "PriorityClass", DefaultPriority)
	if err != nil {
		return Options{}, nil, err
	}
	if priority < MinPriority || priority > MaxPriority {
		return Options{}, nil, protoErr(fcp.InvalidField, "PriorityClass out of range")
	}
	opts.Priority = int(priority)
	opts.ClientToken = m.Fields.Get("ClientToken")
	opts.Filename = m.Fields.Get("Filename")

	var data Bucket
	switch kind {
	case KindGet:
		err = parseGet(m, &opts, protoErr)
	case KindPut:
		data, err = parsePut(m, &opts, protoErr)
	case KindPutDir:
		data, err = parsePutDir(m, &opts, protoErr)
	}
	if err != nil {
		return Options{}, nil, err
	}
	return opts, data, nil
}

type errFunc func(code fcp.ProtocolErrorCode, extra string) error

func parseGet(m *fcp.Message, opts *Options, protoErr errFunc) error {
	opts.ReturnType = strings.ToLower(m.Fields.Get("ReturnType"))
	switch opts.ReturnType {
	case "":
		opts.ReturnType = ReturnDirect
	case ReturnDirect, ReturnNone:
	case ReturnDisk:
		if opts.Filename == "" {
			return protoErr(fcp.MissingField, "Filename")
		}
	default:
		return protoErr(fcp.InvalidField, "ReturnType "+opts.ReturnType)
	}
	maxSize, err := fcp.IntField(m, "MaxSize", 0)
	if err != nil {
		return err
	}
	opts.MaxSize = maxSize
	return nil
}

func validMimeType(s string) bool {
	major, minor, ok := strings.Cut(s, "/")
	return ok && major != "" && minor != "" && !strings.ContainsAny(s, " \t")
}

func parseUploadFrom(m *fcp.Message, opts *Options, protoErr errFunc) error {
	opts.UploadFrom = strings.ToLower(m.Fields.Get("UploadFrom"))
	switch opts.UploadFrom {
	case "", UploadDirect:
		opts.UploadFrom = UploadDirect
	case UploadDisk:
		if opts.Filename == "" {
			return protoErr(fcp.MissingField, "Filename")
		}
	default:
		return protoErr(fcp.InvalidField, "UploadFrom "+opts.UploadFrom)
	}
	return nil
}

func parsePut(m *fcp.Message, opts *Options, protoErr errFunc) (Bucket, error) {
	if err := parseUploadFrom(m, opts, protoErr); err != nil {
		return nil, err
	}
	opts.ContentType = m.Fields.Get("Metadata.ContentType")
	if opts.ContentType != "" && !validMimeType(opts.ContentType) {
		return nil, protoErr(fcp.BadMimeType, opts.ContentType)
	}
	if opts.UploadFrom == UploadDirect {
		if m.Data == nil {
			return nil, protoErr(fcp.MissingField, fcp.FieldDataLength)
		}
		return NewMemoryBucket(m.Data), nil
	}
	return nil, nil
}

func parsePutDir(m *fcp.Message, opts *Options, protoErr errFunc) (Bucket, error) {
	if m.Name == "ClientPutDiskDir" {
		opts.UploadFrom = UploadDisk
		if opts.Filename == "" {
			return nil, protoErr(fcp.MissingField, "Filename")
		}
		return nil, nil
	}
	opts.UploadFrom = UploadDirect
	files := m.Fields.Subset("Files")
	var total int64
	for i := 0; ; i++ {
		prefix := strconv.Itoa(i)
		name := files.Get(prefix + ".Name")
		if name == "" {
			break
		}
		if i >= MaxFilesInInsert {
			return nil, protoErr(fcp.TooManyFilesInInsert, "")
		}
		size, err := files.Int(prefix+".DataLength", 0)
		if err != nil || size < 0 {
			return nil, protoErr(fcp.ErrorParsingNumber, "Files."+prefix+".DataLength")
		}
		ct := files.Get(prefix + ".Metadata.ContentType")
		if ct != "" && !validMimeType(ct) {
			return nil, protoErr(fcp.BadMimeType, ct)
		}
		opts.Files = append(opts.Files, File{Name: name, DataLength: size, ContentType: ct})
		total += size
	}
	if len(opts.Files) == 0 {
		return nil, protoErr(fcp.MissingField, "Files.0.Name")
	}
	if int64(len(m.Data)) != total {
		return nil, protoErr(fcp.InvalidField, "payload does not match the sum of Files.N.DataLength")
	}
	return NewMemoryBucket(m.Data), nil
}
