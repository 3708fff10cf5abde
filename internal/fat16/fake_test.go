package fat16

// memDisk is an in-memory Disk backing store for tests, the FAT16
// analogue of internal/ata's FakeDisk: both exist so the layer above the
// real port-IO/ATA seam can be exercised without real hardware.
type memDisk struct {
	sectors map[uint32][sectorSize]byte
}

func newMemDisk() *memDisk {
	return &memDisk{sectors: map[uint32][sectorSize]byte{}}
}

func (d *memDisk) ReadSectors(drive int, lba uint32, count uint8, buf []byte) (int, bool) {
	for i := uint8(0); i < count; i++ {
		sec := d.sectors[lba+uint32(i)]
		copy(buf[int(i)*sectorSize:], sec[:])
	}
	return int(count), true
}

func (d *memDisk) WriteSectors(drive int, lba uint32, count uint8, buf []byte) (int, bool) {
	for i := uint8(0); i < count; i++ {
		var sec [sectorSize]byte
		copy(sec[:], buf[int(i)*sectorSize:(int(i)+1)*sectorSize])
		d.sectors[lba+uint32(i)] = sec
	}
	return int(count), true
}
