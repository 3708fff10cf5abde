// Package fat16 implements a FAT16 filesystem driver: mount/format, root
// directory listing, and whole-file read/write/create/delete.
package fat16

const sectorSize = 512

// Directory entry attribute bits.
const (
	AttrReadOnly uint8 = 0x01
	AttrHidden   uint8 = 0x02
	AttrSystem   uint8 = 0x04
	AttrVolumeID uint8 = 0x08
	AttrDirectory uint8 = 0x10
	AttrArchive  uint8 = 0x20
	attrLFN      uint8 = 0x0F
)

const (
	clusterFree        uint16 = 0x0000
	clusterBadCluster  uint16 = 0xFFF7
	clusterEndOfChain  uint16 = 0xFFF8
	direntLen                 = 32
	direntsPerSector          = sectorSize / direntLen
)

// Disk is the subset of internal/ata.Controller this driver needs; it's a
// small seam so tests can drive the filesystem logic without a real (or
// even fake) ATA channel underneath.
type Disk interface {
	ReadSectors(drive int, lba uint32, count uint8, buf []byte) (int, bool)
	WriteSectors(drive int, lba uint32, count uint8, buf []byte) (int, bool)
}

// DirEntry is the parsed, display-ready form of a directory entry.
type DirEntry struct {
	Name      string
	Attr      uint8
	Cluster   uint16
	FileSize  uint32
}

func (e DirEntry) IsDirectory() bool { return e.Attr&AttrDirectory != 0 }

// FS is a mounted FAT16 volume: the parsed boot-sector fields, the values
// derived from them, and a one-sector FAT cache.
type FS struct {
	disk  Disk
	drive int

	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16
	fatSize           uint16
	totalSectors      uint32

	fatStartSector  uint32
	rootDirStart    uint32
	rootDirSectors  uint32
	dataStartSector uint32
	totalClusters   uint32

	fatCache       [256]uint16
	fatCacheSector uint32
}

func (fs *FS) readSector(lba uint32, buf []byte) bool {
	_, ok := fs.disk.ReadSectors(fs.drive, lba, 1, buf)
	return ok
}

func (fs *FS) writeSector(lba uint32, buf []byte) bool {
	_, ok := fs.disk.WriteSectors(fs.drive, lba, 1, buf)
	return ok
}

// Mount parses the boot sector on drive and validates it's a FAT16
// volume (cluster count in [4085, 65525)).
func Mount(disk Disk, drive int) (*FS, bool) {
	var boot [sectorSize]byte
	fs := &FS{disk: disk, drive: drive, fatCacheSector: 0xFFFFFFFF}
	if !fs.readSector(0, boot[:]) {
		return nil, false
	}
	if boot[510] != 0x55 || boot[511] != 0xAA {
		return nil, false
	}

	bytesPerSector := le16(boot[11:13])
	if bytesPerSector != sectorSize {
		return nil, false
	}

	fs.bytesPerSector = bytesPerSector
	fs.sectorsPerCluster = boot[13]
	fs.reservedSectors = le16(boot[14:16])
	fs.numFATs = boot[16]
	fs.rootEntryCount = le16(boot[17:19])
	totalSectors16 := le16(boot[19:21])
	fs.fatSize = le16(boot[22:24])
	totalSectors32 := le32(boot[32:36])
	if totalSectors16 != 0 {
		fs.totalSectors = uint32(totalSectors16)
	} else {
		fs.totalSectors = totalSectors32
	}

	fs.fatStartSector = uint32(fs.reservedSectors)
	fs.rootDirStart = fs.fatStartSector + uint32(fs.numFATs)*uint32(fs.fatSize)
	fs.rootDirSectors = (uint32(fs.rootEntryCount)*direntLen + sectorSize - 1) / sectorSize
	fs.dataStartSector = fs.rootDirStart + fs.rootDirSectors
	if fs.sectorsPerCluster == 0 || fs.totalSectors < fs.dataStartSector {
		return nil, false
	}
	fs.totalClusters = (fs.totalSectors - fs.dataStartSector) / uint32(fs.sectorsPerCluster)

	if fs.totalClusters < 4085 || fs.totalClusters >= 65525 {
		return nil, false
	}
	return fs, true
}

func (fs *FS) clusterToSector(cluster uint16) uint32 {
	return fs.dataStartSector + uint32(cluster-2)*uint32(fs.sectorsPerCluster)
}

func (fs *FS) fatReadEntry(cluster uint16) uint16 {
	fatOffset := uint32(cluster) * 2
	fatSector := fs.fatStartSector + fatOffset/sectorSize
	entryOffset := (fatOffset % sectorSize) / 2

	if fatSector != fs.fatCacheSector {
		var buf [sectorSize]byte
		if !fs.readSector(fatSector, buf[:]) {
			return clusterBadCluster
		}
		for i := range fs.fatCache {
			fs.fatCache[i] = le16(buf[i*2 : i*2+2])
		}
		fs.fatCacheSector = fatSector
	}
	return fs.fatCache[entryOffset]
}

func (fs *FS) fatWriteEntry(cluster, value uint16) bool {
	fatOffset := uint32(cluster) * 2
	fatSector := fs.fatStartSector + fatOffset/sectorSize
	entryOffset := (fatOffset % sectorSize) / 2

	var buf [sectorSize]byte
	if !fs.readSector(fatSector, buf[:]) {
		return false
	}
	putLE16(buf[entryOffset*2:], value)

	for i := uint16(0); i < uint16(fs.numFATs); i++ {
		if !fs.writeSector(fatSector+uint32(i)*uint32(fs.fatSize), buf[:]) {
			return false
		}
	}
	fs.fatCacheSector = 0xFFFFFFFF
	return true
}

func (fs *FS) fatFindFreeCluster() (uint16, bool) {
	for cluster := uint16(2); uint32(cluster) < fs.totalClusters+2; cluster++ {
		if fs.fatReadEntry(cluster) == clusterFree {
			return cluster, true
		}
	}
	return 0, false
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func nameTo83(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := splitExt(name)
	for i := 0; i < 8 && i < len(base); i++ {
		out[i] = upper(base[i])
	}
	for i := 0; i < 3 && i < len(ext); i++ {
		out[8+i] = upper(ext[i])
	}
	return out
}

func splitExt(name string) (base, ext string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 32
	}
	return c
}

func direntName(name83 [11]byte) string {
	base := name83[:8]
	ext := name83[8:11]
	end := 8
	for end > 0 && base[end-1] == ' ' {
		end--
	}
	out := string(base[:end])
	extEnd := 3
	for extEnd > 0 && ext[extEnd-1] == ' ' {
		extEnd--
	}
	if extEnd > 0 {
		out += "." + string(ext[:extEnd])
	}
	return out
}

func namesMatch(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if upper(a[i]) != upper(b[i]) {
			return false
		}
	}
	return true
}

func parseDirent(b []byte) (name83 [11]byte, attr uint8, cluster uint16, size uint32) {
	copy(name83[:], b[0:11])
	attr = b[11]
	cluster = le16(b[26:28])
	size = le32(b[28:32])
	return
}

func writeDirent(b []byte, name83 [11]byte, attr uint8, cluster uint16, size uint32) {
	for i := range b[:direntLen] {
		b[i] = 0
	}
	copy(b[0:11], name83[:])
	b[11] = attr
	putLE16(b[26:28], cluster)
	putLE32(b[28:32], size)
}

// ListRoot returns every live root-directory entry.
func (fs *FS) ListRoot() ([]DirEntry, bool) {
	var out []DirEntry
	var buf [sectorSize]byte
	for i := uint32(0); i < fs.rootDirSectors; i++ {
		if !fs.readSector(fs.rootDirStart+i, buf[:]) {
			return nil, false
		}
		for j := 0; j < direntsPerSector; j++ {
			raw := buf[j*direntLen : (j+1)*direntLen]
			if raw[0] == 0x00 {
				return out, true
			}
			if raw[0] == 0xE5 {
				continue
			}
			name83, attr, cluster, size := parseDirent(raw)
			if attr == attrLFN || attr&AttrVolumeID != 0 {
				continue
			}
			out = append(out, DirEntry{Name: direntName(name83), Attr: attr, Cluster: cluster, FileSize: size})
		}
	}
	return out, true
}

type direntLocation struct {
	sector uint32
	index  int
}

func (fs *FS) findFileLocation(name string) (DirEntry, direntLocation, bool) {
	var buf [sectorSize]byte
	for i := uint32(0); i < fs.rootDirSectors; i++ {
		sector := fs.rootDirStart + i
		if !fs.readSector(sector, buf[:]) {
			return DirEntry{}, direntLocation{}, false
		}
		for j := 0; j < direntsPerSector; j++ {
			raw := buf[j*direntLen : (j+1)*direntLen]
			if raw[0] == 0x00 {
				return DirEntry{}, direntLocation{}, false
			}
			if raw[0] == 0xE5 {
				continue
			}
			name83, attr, cluster, size := parseDirent(raw)
			if attr == attrLFN || attr&AttrVolumeID != 0 {
				continue
			}
			if namesMatch(direntName(name83), name) {
				return DirEntry{Name: direntName(name83), Attr: attr, Cluster: cluster, FileSize: size},
					direntLocation{sector: sector, index: j}, true
			}
		}
	}
	return DirEntry{}, direntLocation{}, false
}

// FindFile locates name in the root directory.
func (fs *FS) FindFile(name string) (DirEntry, bool) {
	entry, _, ok := fs.findFileLocation(name)
	return entry, ok
}

// ReadFile reads up to len(buf) bytes of name's contents into buf,
// following its cluster chain.
func (fs *FS) ReadFile(name string, buf []byte) (int, bool) {
	entry, ok := fs.FindFile(name)
	if !ok || entry.IsDirectory() {
		return 0, false
	}

	size := int(entry.FileSize)
	if size > len(buf) {
		size = len(buf)
	}

	cluster := entry.Cluster
	var sectorBuf [sectorSize]byte
	dst := 0
	remaining := size
	for remaining > 0 && cluster >= 2 && cluster < clusterEndOfChain {
		sector := fs.clusterToSector(cluster)
		for i := uint8(0); i < fs.sectorsPerCluster && remaining > 0; i++ {
			if !fs.readSector(sector+uint32(i), sectorBuf[:]) {
				return dst, false
			}
			n := remaining
			if n > sectorSize {
				n = sectorSize
			}
			copy(buf[dst:dst+n], sectorBuf[:n])
			dst += n
			remaining -= n
		}
		cluster = fs.fatReadEntry(cluster)
	}
	return size, true
}

// CreateFile adds a zero-length directory entry for name, failing if it
// already exists or the root directory is full.
func (fs *FS) CreateFile(name string) bool {
	if _, ok := fs.FindFile(name); ok {
		return false
	}
	var buf [sectorSize]byte
	for i := uint32(0); i < fs.rootDirSectors; i++ {
		sector := fs.rootDirStart + i
		if !fs.readSector(sector, buf[:]) {
			return false
		}
		for j := 0; j < direntsPerSector; j++ {
			raw := buf[j*direntLen : (j+1)*direntLen]
			if raw[0] == 0x00 || raw[0] == 0xE5 {
				writeDirent(raw, nameTo83(name), AttrArchive, 0, 0)
				return fs.writeSector(sector, buf[:])
			}
		}
	}
	return false
}

// WriteFile overwrites name's contents with data, creating the directory
// entry if it does not exist yet, freeing any previously allocated
// clusters, and allocating fresh ones.
func (fs *FS) WriteFile(name string, data []byte) (int, bool) {
	entry, loc, ok := fs.findFileLocation(name)
	if !ok {
		if !fs.CreateFile(name) {
			return 0, false
		}
		entry, loc, ok = fs.findFileLocation(name)
		if !ok {
			return 0, false
		}
	}

	if entry.Cluster >= 2 {
		cluster := entry.Cluster
		for cluster >= 2 && cluster < clusterEndOfChain {
			next := fs.fatReadEntry(cluster)
			fs.fatWriteEntry(cluster, clusterFree)
			cluster = next
		}
	}

	var firstCluster, prevCluster uint16
	remaining := len(data)
	src := 0
	var sectorBuf [sectorSize]byte
	for remaining > 0 {
		cluster, ok := fs.fatFindFreeCluster()
		if !ok {
			return 0, false
		}
		if firstCluster == 0 {
			firstCluster = cluster
		}
		if prevCluster != 0 {
			fs.fatWriteEntry(prevCluster, cluster)
		}
		fs.fatWriteEntry(cluster, clusterEndOfChain)

		sector := fs.clusterToSector(cluster)
		for i := uint8(0); i < fs.sectorsPerCluster && remaining > 0; i++ {
			for k := range sectorBuf {
				sectorBuf[k] = 0
			}
			n := remaining
			if n > sectorSize {
				n = sectorSize
			}
			copy(sectorBuf[:n], data[src:src+n])
			if !fs.writeSector(sector+uint32(i), sectorBuf[:]) {
				return 0, false
			}
			src += n
			remaining -= n
		}
		prevCluster = cluster
	}

	var dirBuf [sectorSize]byte
	if !fs.readSector(loc.sector, dirBuf[:]) {
		return 0, false
	}
	raw := dirBuf[loc.index*direntLen : (loc.index+1)*direntLen]
	putLE16(raw[26:28], firstCluster)
	putLE32(raw[28:32], uint32(len(data)))
	if !fs.writeSector(loc.sector, dirBuf[:]) {
		return 0, false
	}
	return len(data), true
}

// DeleteFile frees name's cluster chain and marks its directory entry
// deleted.
func (fs *FS) DeleteFile(name string) bool {
	entry, loc, ok := fs.findFileLocation(name)
	if !ok {
		return false
	}
	cluster := entry.Cluster
	for cluster >= 2 && cluster < clusterEndOfChain {
		next := fs.fatReadEntry(cluster)
		fs.fatWriteEntry(cluster, clusterFree)
		cluster = next
	}

	var buf [sectorSize]byte
	if !fs.readSector(loc.sector, buf[:]) {
		return false
	}
	buf[loc.index*direntLen] = 0xE5
	return fs.writeSector(loc.sector, buf[:])
}
