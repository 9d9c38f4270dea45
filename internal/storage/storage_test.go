package storage

import "testing"

func TestParseGSURI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"simple", "gs://my-bucket/path/to/file.pdf", "my-bucket", "path/to/file.pdf", false},
		{"single segment", "gs://b/o", "b", "o", false},
		{"missing object", "gs://bucket", "", "", true},
		{"missing object slash", "gs://bucket/", "", "", true},
		{"wrong scheme", "s3://bucket/object", "", "", true},
		{"plain path", "/tmp/file.txt", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, object, err := ParseGSURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("got (%q, %q), want (%q, %q)", bucket, object, tt.wantBucket, tt.wantObject)
			}
		})
	}
}
