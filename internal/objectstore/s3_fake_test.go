package objectstore

import (
	"bufio"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-delivery/internal/platform/logger"
)

const fakeBucket = "media"

var fakeModTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeObject struct {
	body        []byte
	contentType string
	acl         string
}

// fakeS3 speaks just enough of the S3 REST API for S3Store: path-style object
// PUT/GET/HEAD, ListObjectsV2 and multi-object delete.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	stuck    map[string]bool // keys the multi-object delete refuses
	requests int
}

func newFakeS3Store(t *testing.T) (*S3Store, *fakeS3, string) {
	t.Helper()
	f := &fakeS3{objects: make(map[string]fakeObject), stuck: make(map[string]bool)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	s, err := NewS3Store(S3Config{
		Endpoint:  endpoint,
		Bucket:    fakeBucket,
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test-secret",
	}, logger.Discard())
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return s, f, endpoint
}

func (f *fakeS3) object(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) refuseDelete(key string, refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck[key] = refuse
}

func (f *fakeS3) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != fakeBucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	q := r.URL.Query()
	switch {
	case key == "" && r.Method == http.MethodGet && q.Get("list-type") == "2":
		f.list(w, q.Get("prefix"))
	case key == "" && r.Method == http.MethodPost && q.Has("delete"):
		f.deleteObjects(w, r)
	case key != "" && r.Method == http.MethodPut:
		f.put(w, r, key)
	case key != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		f.get(w, r, key)
	default:
		writeS3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func (f *fakeS3) put(w http.ResponseWriter, r *http.Request, key string) {
	var body []byte
	var err error
	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		body, err = decodeAWSChunked(r.Body)
	} else {
		body, err = io.ReadAll(r.Body)
	}
	if err != nil {
		writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
		return
	}
	f.objects[key] = fakeObject{
		body:        body,
		contentType: r.Header.Get("Content-Type"),
		acl:         r.Header.Get("X-Amz-Acl"),
	}
	w.Header().Set("ETag", etagOf(body))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request, key string) {
	obj, ok := f.objects[key]
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeS3Error(w, http.StatusNotFound, "NoSuchKey")
		return
	}
	w.Header().Set("Content-Type", obj.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
	w.Header().Set("ETag", etagOf(obj.body))
	w.Header().Set("Last-Modified", fakeModTime.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(obj.body)
	}
}

type listEntry struct {
	Key          string
	LastModified string
	ETag         string
	Size         int
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string
	Prefix      string
	KeyCount    int
	IsTruncated bool
	Contents    []listEntry
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	res := listResult{Name: fakeBucket, Prefix: prefix}
	for key, obj := range f.objects {
		if strings.HasPrefix(key, prefix) {
			res.Contents = append(res.Contents, listEntry{
				Key:          key,
				LastModified: fakeModTime.Format(time.RFC3339),
				ETag:         etagOf(obj.body),
				Size:         len(obj.body),
			})
		}
	}
	sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
	res.KeyCount = len(res.Contents)
	writeXML(w, res)
}

type deletedEntry struct {
	Key string
}

type deleteErrorEntry struct {
	Key     string
	Code    string
	Message string
}

type deleteResult struct {
	XMLName xml.Name           `xml:"DeleteResult"`
	Deleted []deletedEntry     `xml:"Deleted"`
	Errors  []deleteErrorEntry `xml:"Error"`
}

func (f *fakeS3) deleteObjects(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objects []struct {
			Key string
		} `xml:"Object"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeS3Error(w, http.StatusBadRequest, "MalformedXML")
		return
	}
	var res deleteResult
	for _, o := range req.Objects {
		if f.stuck[o.Key] {
			res.Errors = append(res.Errors, deleteErrorEntry{Key: o.Key, Code: "AccessDenied", Message: "Access Denied"})
			continue
		}
		delete(f.objects, o.Key)
		res.Deleted = append(res.Deleted, deletedEntry{Key: o.Key})
	}
	writeXML(w, res)
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	xml.NewEncoder(w).Encode(v)
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
}

func etagOf(body []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(body)))
}

// decodeAWSChunked strips the streaming-signature framing from a PUT body:
// "<hex size>;chunk-signature=<sig>\r\n<data>\r\n" repeated, ending with a zero chunk.
func decodeAWSChunked(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		chunk := make([]byte, n+2)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk[:n]...)
	}
}
