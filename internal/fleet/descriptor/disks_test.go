package descriptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) Descriptor {
	t.Helper()
	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func TestDiskPathsEmptyDescriptor(t *testing.T) {
	paths := DiskPaths(Descriptor{})
	require.NotNil(t, paths)
	assert.Empty(t, paths)
}

func TestDiskPathsEachShape(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "single string field",
			raw:  `{"name":"web","disk_path":"/var/lib/libvirt/images/web.qcow2"}`,
			want: []string{"/var/lib/libvirt/images/web.qcow2"},
		},
		{
			name: "alternate single field",
			raw:  `{"name":"web","boot_disk":"/images/boot.img"}`,
			want: []string{"/images/boot.img"},
		},
		{
			name: "array of strings",
			raw:  `{"name":"web","disks":["/images/a.qcow2","/images/b.qcow2"]}`,
			want: []string{"/images/a.qcow2", "/images/b.qcow2"},
		},
		{
			name: "array of objects",
			raw:  `{"name":"web","disks":[{"path":"/images/a.qcow2"},{"source":"/images/b.raw","file":"/images/c.img"}]}`,
			want: []string{"/images/a.qcow2", "/images/b.raw", "/images/c.img"},
		},
		{
			name: "device list",
			raw:  `{"name":"web","devices":[{"type":"disk","source":"/images/a.qcow2"},{"type":"cdrom","source":"/iso/install.iso"},{"type":"disk","file":"/images/b.qcow2"}]}`,
			want: []string{"/images/a.qcow2", "/images/b.qcow2"},
		},
		{
			name: "block device map",
			raw:  `{"name":"web","block_devices":{"vda":"/images/a.qcow2","vdb":{"path":"/images/b.qcow2"},"vdc":{"source":"/images/c.qcow2"}}}`,
			want: []string{"/images/a.qcow2", "/images/b.qcow2", "/images/c.qcow2"},
		},
		{
			name: "embedded xml",
			raw: `{"name":"web","xml":"<domain type='kvm'><devices><disk type='file' device='disk'>` +
				`<source file='/var/lib/libvirt/images/web.qcow2'/></disk>` +
				`<disk device='cdrom'><source file='/iso/debian.iso'/></disk></devices></domain>"}`,
			want: []string{"/var/lib/libvirt/images/web.qcow2"},
		},
		{
			name: "xml under alternate key",
			raw:  `{"name":"web","xml_desc":"source file=/data/disk.RAW and /data/disk.img.bak"}`,
			want: []string{"/data/disk.RAW"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiskPaths(decode(t, tt.raw)))
		})
	}
}

func TestDiskPathsDeduplicatesAcrossShapes(t *testing.T) {
	d := decode(t, `{
		"name": "web",
		"disk_path": "/images/web.qcow2",
		"disk": "/images/web.qcow2",
		"disks": ["/images/web.qcow2", {"path": "/images/web.qcow2", "file": "/images/data.qcow2"}],
		"devices": [{"type": "disk", "source": "/images/data.qcow2"}],
		"block_devices": {"vda": "/images/web.qcow2"},
		"xml": "<source file='/images/web.qcow2'/><source file='/images/data.qcow2'/>"
	}`)

	assert.Equal(t, []string{"/images/web.qcow2", "/images/data.qcow2"}, DiskPaths(d))
}

func TestDiskPathsFiltersFalsyAndMistyped(t *testing.T) {
	d := decode(t, `{
		"disk_path": "",
		"disk": 42,
		"primary_disk": null,
		"disks": ["", null, false, {"path": ""}],
		"devices": "not-a-list",
		"block_devices": ["wrong-shape"],
		"xml": 7
	}`)

	assert.Empty(t, DiskPaths(d))
}

func TestDiskPathsIsDeterministic(t *testing.T) {
	d := decode(t, `{"block_devices":{"vdc":"/c.qcow2","vda":"/a.qcow2","vdb":"/b.qcow2"}}`)

	first := DiskPaths(d)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, DiskPaths(d))
	}
	assert.Equal(t, []string{"/a.qcow2", "/b.qcow2", "/c.qcow2"}, first)
}

func TestDiskPathsNestedSourceObject(t *testing.T) {
	d := decode(t, `{"disks":[{"source":{"file":"/images/nested.qcow2"}}]}`)
	assert.Equal(t, []string{"/images/nested.qcow2"}, DiskPaths(d))
}

func TestDiskPathsTextOnlyReportsWholePaths(t *testing.T) {
	tests := map[string]struct {
		d    Descriptor
		want []string
	}{
		"path containing a space": {
			d:    Descriptor{"xml": "<source file='/var/lib/my images/web.qcow2'/>"},
			want: []string{},
		},
		"relative path": {
			d:    Descriptor{"xml": "<source file='images/web.qcow2'/>"},
			want: []string{},
		},
		"url": {
			d:    Descriptor{"domain_xml": "backing https://mirror.example/base.img"},
			want: []string{},
		},
		"path at start of text": {
			d:    Descriptor{"xml_desc": "/srv/vm/root.qcow2 backed by /srv/vm/base.img"},
			want: []string{"/srv/vm/root.qcow2", "/srv/vm/base.img"},
		},
		"adjacent quoted paths": {
			d:    Descriptor{"xml": "<a file='/x/one.raw'/><b file=\"/x/two.img\"/>"},
			want: []string{"/x/one.raw", "/x/two.img"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiskPaths(tt.d))
		})
	}
}
