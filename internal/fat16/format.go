package fat16

// Format parameters: 2 KiB clusters (smaller on disks too small for 4085
// clusters of that size), 2 FAT copies, a 512-entry root directory.
const (
	formatSectorsPerCluster uint8  = 4
	formatReservedSectors   uint16 = 1
	formatNumFATs           uint8  = 2
	formatRootEntryCount    uint16 = 512

	minFormattableSectors = 8192
)

// Format writes a fresh FAT16 boot sector, FAT, and empty root directory
// to drive, which must have at least minFormattableSectors.
func Format(disk Disk, drive int, totalSectors uint32, volumeLabel string) bool {
	if totalSectors < minFormattableSectors {
		return false
	}

	rootDirSectors := (uint32(formatRootEntryCount)*direntLen + sectorSize - 1) / sectorSize

	// Halve the cluster size (down to one sector) until the volume holds
	// at least the FAT16 minimum of 4085 clusters.
	spc := formatSectorsPerCluster
	var fatSize uint16
	var clusters uint32
	for {
		dataSectors := totalSectors - uint32(formatReservedSectors) - rootDirSectors
		clusters = dataSectors / uint32(spc)
		fatSize = uint16((clusters*2 + sectorSize - 1) / sectorSize)

		dataSectors = totalSectors - uint32(formatReservedSectors) - uint32(formatNumFATs)*uint32(fatSize) - rootDirSectors
		clusters = dataSectors / uint32(spc)
		if clusters >= 4085 || spc == 1 {
			break
		}
		spc /= 2
	}
	if clusters < 4085 || clusters >= 65525 {
		return false
	}

	var boot [sectorSize]byte
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], "CGOS    ")
	putLE16(boot[11:13], sectorSize)
	boot[13] = spc
	putLE16(boot[14:16], formatReservedSectors)
	boot[16] = formatNumFATs
	putLE16(boot[17:19], formatRootEntryCount)
	if totalSectors <= 0xFFFF {
		putLE16(boot[19:21], uint16(totalSectors))
	} else {
		putLE32(boot[32:36], totalSectors)
	}
	boot[21] = 0xF8
	putLE16(boot[22:24], fatSize)
	putLE16(boot[24:26], 63)
	putLE16(boot[26:28], 16)

	boot[36] = 0x80
	boot[38] = 0x29
	putLE32(boot[39:43], 0x12345678)
	if volumeLabel != "" {
		i := 0
		for ; i < 11 && i < len(volumeLabel); i++ {
			boot[43+i] = upper(volumeLabel[i])
		}
		for ; i < 11; i++ {
			boot[43+i] = ' '
		}
	} else {
		copy(boot[43:54], "NO NAME    ")
	}
	copy(boot[54:62], "FAT16   ")
	boot[510], boot[511] = 0x55, 0xAA

	if _, ok := disk.WriteSectors(drive, 0, 1, boot[:]); !ok {
		return false
	}

	var fatFirstSector [sectorSize]byte
	putLE16(fatFirstSector[0:2], 0xFFF8)
	putLE16(fatFirstSector[2:4], 0xFFFF)
	var zero [sectorSize]byte

	for f := uint16(0); f < uint16(formatNumFATs); f++ {
		fatStart := uint32(formatReservedSectors) + uint32(f)*uint32(fatSize)
		if _, ok := disk.WriteSectors(drive, fatStart, 1, fatFirstSector[:]); !ok {
			return false
		}
		for s := uint32(1); s < uint32(fatSize); s++ {
			if _, ok := disk.WriteSectors(drive, fatStart+s, 1, zero[:]); !ok {
				return false
			}
		}
	}

	rootStart := uint32(formatReservedSectors) + uint32(formatNumFATs)*uint32(fatSize)
	for s := uint32(0); s < rootDirSectors; s++ {
		if _, ok := disk.WriteSectors(drive, rootStart+s, 1, zero[:]); !ok {
			return false
		}
	}

	if volumeLabel != "" {
		var entry [sectorSize]byte
		var name83 [11]byte
		for i := range name83 {
			name83[i] = ' '
		}
		for i := 0; i < 11 && i < len(volumeLabel); i++ {
			name83[i] = upper(volumeLabel[i])
		}
		writeDirent(entry[:direntLen], name83, AttrVolumeID, 0, 0)
		if _, ok := disk.WriteSectors(drive, rootStart, 1, entry[:]); !ok {
			return false
		}
	}

	return true
}
