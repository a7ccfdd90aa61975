package modbus

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CompletionHandler is called once a received file passed its integrity
// check. fileIndex is the logical file, tempPath where it was received and
// finalPath where it is meant to end up.
type CompletionHandler func(fileIndex int, finalPath string, tempPath string) error

type FileHandlerOption func(*FileHandler)

// WithFinalPath makes the handler receive into its path (a temporary file)
// and move the result to finalPath once complete and verified.
func WithFinalPath(finalPath string) FileHandlerOption {
	return func(fh *FileHandler) {
		fh.finalPathTemplate = finalPath
	}
}

// WithRecordLength fixes the number of words per record address. By default
// the smallest length that lets the file fit into maxSegments is used.
func WithRecordLength(words uint8) FileHandlerOption {
	return func(fh *FileHandler) {
		fh.fixedRecordLength = words
	}
}

// WithCompletionHandler replaces the default rename of the temporary file.
func WithCompletionHandler(fn CompletionHandler) FileHandlerOption {
	return func(fh *FileHandler) {
		fh.completion = fn
	}
}

// WithMaxSegments overrides the number of file numbers a single file may
// span. Senders use it to pick a record length the receiver can take.
func WithMaxSegments(n uint16) FileHandlerOption {
	return func(fh *FileHandler) {
		fh.maxSegments = n
	}
}

// WithReadOnly rejects all remote writes.
func WithReadOnly() FileHandlerOption {
	return func(fh *FileHandler) {
		fh.readOnly = true
	}
}

// FileHandler maps a local file onto modbus file records, either as plain
// record data or framed with a P44 header carrying size, CRC32 and layout
// so that large files can span several file numbers (segments).
type FileHandler struct {
	logger            *logger
	lock              sync.Mutex
	baseFileNo        uint16
	maxSegments       uint16
	numFiles          uint16
	useP44Header      bool
	readOnly          bool
	pathTemplate      string
	finalPathTemplate string
	fixedRecordLength uint8
	completion        CompletionHandler

	// state of the current transfer
	fileIndex       int
	file            *os.File
	filePath        string
	writable        bool
	layout          p44Header
	layoutKnown     bool
	validHeader     bool
	localSize       uint32
	localCRC        uint32
	localCRCValid   bool
	missing         []uint32
	nextExpected    uint32
	pendingFinalize bool
}

// NewFileHandler returns a handler serving numFiles logical files starting at
// file number fileNo, each using up to maxSegments consecutive file numbers.
// A %d in filePath is replaced by the logical file index when numFiles > 1.
func NewFileHandler(fileNo uint16, maxSegments uint16, numFiles uint16,
	useP44Header bool, filePath string, opts ...FileHandlerOption) (fh *FileHandler) {
	fh = &FileHandler{
		baseFileNo:   fileNo,
		maxSegments:  maxSegments,
		numFiles:     numFiles,
		useP44Header: useP44Header,
		pathTemplate: filePath,
		fileIndex:    -1,
	}

	for _, opt := range opts {
		opt(fh)
	}

	if fh.maxSegments == 0 {
		fh.maxSegments = 1
	}
	if fh.numFiles == 0 {
		fh.numFiles = 1
	}

	fh.logger = newLogger(fmt.Sprintf("file-handler(%d:%s)", fileNo, filePath), nil)

	return
}

// Handles returns true if fileNo belongs to this handler.
func (fh *FileHandler) Handles(fileNo uint16) (handles bool) {
	var span uint32

	span = uint32(fh.maxSegments) * uint32(fh.numFiles)
	handles = fileNo >= fh.baseFileNo &&
		uint32(fileNo-fh.baseFileNo) < span

	return
}

// Close releases the open file, if any.
func (fh *FileHandler) Close() (err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	err = fh.closeFile()

	return
}

// Finalize completes a transfer for which all data has been received:
// computes the CRC, closes the file, verifies integrity and, when a final
// path is configured, hands the file over (completion handler or rename).
// It is a no-op unless a completion is pending.
func (fh *FileHandler) Finalize() (err error) {
	var tempPath string
	var finalPath string

	fh.lock.Lock()
	defer fh.lock.Unlock()

	if !fh.pendingFinalize {
		return
	}
	fh.pendingFinalize = false

	err = fh.updateLocalCRC()
	if err != nil {
		return
	}

	tempPath = fh.filePath
	if cerr := fh.closeFile(); cerr != nil {
		fh.logger.Warningf("failed to close '%s': %v", tempPath, cerr)
	}

	if fh.useP44Header && !fh.integrityOK() {
		fh.logger.Errorf("integrity check failed for '%s': size %d/%d, crc 0x%08x/0x%08x",
			tempPath, fh.localSize, fh.layout.size, fh.localCRC, fh.layout.crc)
		// the next header starts over
		fh.validHeader = false
		err = ErrCRCMismatch
		return
	}

	if fh.finalPathTemplate == "" {
		fh.logger.Infof("received '%s' (%d bytes)", tempPath, fh.localSize)
		return
	}

	finalPath = fh.pathFor(fh.finalPathTemplate, fh.fileIndex)
	if fh.completion != nil {
		err = fh.completion(fh.fileIndex, finalPath, tempPath)
	} else {
		err = os.Rename(tempPath, finalPath)
	}
	if err != nil {
		fh.logger.Errorf("failed to complete '%s': %v", finalPath, err)
		return
	}

	fh.filePath = finalPath
	fh.logger.Infof("received '%s' (%d bytes)", finalPath, fh.localSize)

	return
}

// PendingFinalize returns true once all data of a transfer is in.
func (fh *FileHandler) PendingFinalize() (pending bool) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	pending = fh.pendingFinalize

	return
}

// FileIntegrityOK returns true if a header was received and the local
// file's size and CRC32 match the ones it declared.
func (fh *FileHandler) FileIntegrityOK() (ok bool) {
	var wasOpen bool

	fh.lock.Lock()
	defer fh.lock.Unlock()

	wasOpen = fh.file != nil
	if fh.updateLocalCRC() == nil {
		ok = fh.integrityOK()
	}

	if !wasOpen {
		fh.closeFile()
	}

	return
}

// AddressForMaxChunk returns where chunk k of the current file lives and how
// many words it spans. remote selects the remote declared size (receiving)
// rather than the local file size (sending) for the last chunk.
func (fh *FileHandler) AddressForMaxChunk(k uint32, remote bool) (fileNo uint16,
	recordNo uint16, words uint16, err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	fileNo, recordNo, words, err = fh.addressForDataRecord(k*fh.recordsPerChunk(), remote)

	return
}

// IsEOFForChunk returns true if chunk k starts at or beyond the end of the
// file (remote declared size or local size).
func (fh *FileHandler) IsEOFForChunk(k uint32, remote bool) (eof bool) {
	var offset uint64

	fh.lock.Lock()
	defer fh.lock.Unlock()

	if remote && !fh.useP44Header {
		// only an exception from the remote tells
		return
	}

	offset = uint64(k) * uint64(fh.recordsPerChunk()) * fh.recordBytes()
	eof = offset >= uint64(fh.sizeFor(remote))

	return
}

// AddrForNextRetransmit translates a remote's first missing data record into
// the address of the chunk to send again.
func (fh *FileHandler) AddrForNextRetransmit(firstMissing uint32) (fileNo uint16,
	recordNo uint16, words uint16, err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	fileNo, recordNo, words, err = fh.addressForDataRecord(firstMissing, false)

	return
}

// Opens the local file for sending and computes its layout, size and CRC.
func (fh *FileHandler) prepareSend() (h *p44Header, err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	fh.switchTo(0)

	err = fh.ensureLocalLayout()
	if err != nil {
		return
	}

	err = fh.updateLocalCRC()
	if err != nil {
		return
	}

	h = &p44Header{}
	*h = fh.layout
	h.size = fh.localSize
	h.crc = fh.localCRC
	h.firstMissing = noneMissing

	return
}

// Prepares receiving into the local file without a header.
func (fh *FileHandler) prepareReceive() (err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	fh.switchTo(0)

	if !fh.useP44Header {
		fh.layout = fh.plainLayout()
		fh.layoutKnown = true
		err = fh.openForWrite()
		if err == nil {
			err = fh.file.Truncate(0)
		}
	}

	return
}

// Checks a header read back from a remote against what is being sent.
// Returns the remote's view.
func (fh *FileHandler) remoteHeaderMatches(data []byte) (h *p44Header, sameLayout bool,
	sameFile bool, err error) {
	fh.lock.Lock()
	defer fh.lock.Unlock()

	h, err = parseP44Header(data)
	if err != nil {
		return
	}

	sameLayout = fh.layoutKnown && h.sameLayout(&fh.layout)
	sameFile = h.size == fh.localSize && fh.localCRCValid && h.crc == fh.localCRC

	return
}

// Returns the number of words per record address in use.
func (fh *FileHandler) recordLength() (srl uint8) {
	srl = fh.layout.singleRecordLength
	if !fh.layoutKnown || srl == 0 {
		srl = fh.plainLayout().singleRecordLength
	}

	return
}

func (fh *FileHandler) recordBytes() (n uint64) {
	n = uint64(fh.recordLength()) * 2

	return
}

func (fh *FileHandler) recordsPerChunk() (n uint32) {
	n = uint32(maxChunkWords / int(fh.recordLength()))

	return
}

// Layout used without P44 header.
func (fh *FileHandler) plainLayout() (h p44Header) {
	h.singleRecordLength = fh.fixedRecordLength
	if h.singleRecordLength == 0 || int(h.singleRecordLength) > maxChunkWords {
		h.singleRecordLength = 1
	}
	h.neededSegments = uint8(min(int(fh.maxSegments), 0xff))
	h.firstMissing = noneMissing

	return
}

func (fh *FileHandler) sizeFor(remote bool) (size uint32) {
	if remote {
		size = fh.layout.size
	} else {
		size = fh.localSize
	}

	return
}

// Resolves data record d of the current file into a file/record address.
func (fh *FileHandler) addressForDataRecord(d uint32, remote bool) (fileNo uint16,
	recordNo uint16, words uint16, err error) {
	var addr uint64
	var offset uint64
	var remaining uint64
	var maxWords uint64
	var segment uint64
	var index int

	addr = uint64(fh.layout.firstDataRecord) + uint64(d)
	segment = addr >> 16
	if segment >= uint64(fh.maxSegments) ||
		(fh.useP44Header && fh.layoutKnown && segment >= uint64(fh.layout.neededSegments)) {
		err = ErrFileTooLarge
		return
	}

	maxWords = uint64(fh.recordsPerChunk()) * uint64(fh.recordLength())
	words = uint16(maxWords)

	if !remote || fh.useP44Header {
		offset = uint64(d) * fh.recordBytes()
		if offset < uint64(fh.sizeFor(remote)) {
			remaining = (uint64(fh.sizeFor(remote)) - offset + 1) / 2
			if remaining < maxWords {
				words = uint16(remaining)
			}
		} else {
			words = 0
		}
	}

	index = fh.fileIndex
	if index < 0 {
		index = 0
	}

	fileNo = fh.baseFileNo + uint16(index)*fh.maxSegments + uint16(segment)
	recordNo = uint16(addr & 0xffff)

	return
}

// Splits a file record address into logical file index and record address.
func (fh *FileHandler) locate(fileNo uint16, recordNo uint16) (index int, addr uint32) {
	var rel = uint32(fileNo - fh.baseFileNo)

	index = int(rel / uint32(fh.maxSegments))
	addr = (rel%uint32(fh.maxSegments))<<16 | uint32(recordNo)

	return
}

func (fh *FileHandler) pathFor(template string, index int) (path string) {
	path = template
	if fh.numFiles > 1 {
		path = strings.Replace(template, "%d", strconv.Itoa(index), 1)
	}

	return
}

// Path received data is written to.
func (fh *FileHandler) writePath(index int) (path string) {
	path = fh.pathFor(fh.pathTemplate, index)

	return
}

// Path served to remote readers when no transfer is in progress.
func (fh *FileHandler) readPath(index int) (path string) {
	if fh.finalPathTemplate != "" {
		path = fh.pathFor(fh.finalPathTemplate, index)
	} else {
		path = fh.pathFor(fh.pathTemplate, index)
	}

	return
}

// Makes index the current logical file, dropping the state of any other.
func (fh *FileHandler) switchTo(index int) {
	if index == fh.fileIndex {
		return
	}

	fh.closeFile()
	fh.resetTransfer()
	fh.fileIndex = index
	fh.filePath = ""

	return
}

func (fh *FileHandler) resetTransfer() {
	fh.layout = p44Header{}
	fh.layoutKnown = false
	fh.validHeader = false
	fh.localSize = 0
	fh.localCRCValid = false
	fh.missing = nil
	fh.nextExpected = 0
	fh.pendingFinalize = false

	return
}

func (fh *FileHandler) closeFile() (err error) {
	if fh.file == nil {
		return
	}

	err = fh.file.Close()
	fh.file = nil
	fh.writable = false

	return
}

func (fh *FileHandler) openForWrite() (err error) {
	if fh.readOnly {
		err = ErrReadOnly
		return
	}

	if fh.file != nil && fh.writable {
		return
	}
	fh.closeFile()

	if fh.filePath == "" {
		fh.filePath = fh.writePath(fh.fileIndex)
	}

	fh.file, err = os.OpenFile(fh.filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		fh.logger.Errorf("cannot open '%s' for writing: %v", fh.filePath, err)
		err = ErrServerDeviceFailure
		return
	}
	fh.writable = true

	return
}

func (fh *FileHandler) openForRead() (err error) {
	if fh.file != nil {
		return
	}

	if fh.filePath == "" {
		fh.filePath = fh.readPath(fh.fileIndex)
	}

	fh.file, err = os.Open(fh.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// nothing to serve at this address
			err = ErrIllegalDataAddress
		} else {
			fh.logger.Errorf("cannot open '%s' for reading: %v", fh.filePath, err)
			err = ErrServerDeviceFailure
		}
		fh.file = nil
		return
	}
	fh.writable = false

	return
}

func (fh *FileHandler) updateLocalSize() (err error) {
	var fi os.FileInfo

	if fh.file == nil {
		err = fh.openForRead()
		if err != nil {
			return
		}
	}

	fi, err = fh.file.Stat()
	if err != nil {
		return
	}

	if fi.Size() > int64(noneMissing) {
		err = ErrFileTooLarge
		return
	}
	fh.localSize = uint32(fi.Size())

	return
}

// Computes the CRC32 of the local file, unless still valid from before.
func (fh *FileHandler) updateLocalCRC() (err error) {
	var h = crc32.NewIEEE()

	if fh.localCRCValid {
		return
	}

	err = fh.updateLocalSize()
	if err != nil {
		return
	}

	_, err = io.Copy(h, io.NewSectionReader(fh.file, 0, int64(fh.localSize)))
	if err != nil {
		return
	}

	fh.localCRC = h.Sum32()
	fh.localCRCValid = true

	return
}

func (fh *FileHandler) integrityOK() (ok bool) {
	ok = fh.validHeader && fh.localCRCValid &&
		fh.localSize == fh.layout.size &&
		fh.localCRC == fh.layout.crc

	return
}

// Makes sure a layout is known, deriving it from the local file if no
// header was received.
func (fh *FileHandler) ensureLocalLayout() (err error) {
	var h *p44Header

	err = fh.updateLocalSize()
	if err != nil {
		return
	}

	if fh.layoutKnown {
		return
	}

	if !fh.useP44Header {
		fh.layout = fh.plainLayout()
		fh.layoutKnown = true
		return
	}

	h, err = computeLayout(fh.localSize, fh.maxSegments, fh.fixedRecordLength, true)
	if err != nil {
		return
	}

	fh.layout = *h
	fh.layoutKnown = true

	return
}

// First data record the local file still lacks, as reported in the header.
func (fh *FileHandler) firstMissing() (first uint32) {
	first = noneMissing

	switch {
	case !fh.validHeader || fh.nextExpected == noneMissing:
	case len(fh.missing) > 0:
		first = fh.missing[0]
	case fh.nextExpected < dataRecords(fh.layout.size, fh.layout.singleRecordLength):
		first = fh.nextExpected
	}

	return
}

// Builds the header describing the local file as it currently is.
func (fh *FileHandler) generateHeader() (h *p44Header, err error) {
	err = fh.ensureLocalLayout()
	if err != nil {
		return
	}

	err = fh.updateLocalCRC()
	if err != nil {
		return
	}

	h = &p44Header{}
	*h = fh.layout
	h.size = fh.localSize
	h.crc = fh.localCRC
	h.firstMissing = fh.firstMissing()

	return
}

// Returns words 16-bit words of the file at fileNo/recordNo.
func (fh *FileHandler) readLocalFile(fileNo uint16, recordNo uint16, words uint16) (data []byte, err error) {
	var index int
	var addr uint32
	var h *p44Header
	var headerBytes []byte
	var from uint64
	var offset uint64

	fh.lock.Lock()
	defer fh.lock.Unlock()

	index, addr = fh.locate(fileNo, recordNo)
	fh.switchTo(index)

	// a file served outside of a transfer may have changed since its
	// header was last read
	if fh.useP44Header && addr == 0 && !fh.validHeader {
		fh.closeFile()
		fh.layoutKnown = false
		fh.localCRCValid = false
	}

	err = fh.ensureLocalLayout()
	if err != nil {
		return
	}

	data = make([]byte, int(words)*2)

	if fh.useP44Header && addr < uint32(fh.layout.firstDataRecord) {
		h, err = fh.generateHeader()
		if err != nil {
			data = nil
			return
		}

		headerBytes = h.marshal()
		from = uint64(addr) * fh.recordBytes()
		if from < uint64(len(headerBytes)) {
			copy(data, headerBytes[from:])
		}

		return
	}

	offset = uint64(addr-uint32(fh.layout.firstDataRecord)) * fh.recordBytes()
	if offset >= uint64(fh.localSize) {
		data = nil
		err = ErrIllegalDataAddress
		return
	}

	// pad whatever lies beyond the end of the file
	for i := range data {
		data[i] = 0xff
	}

	_, err = fh.file.ReadAt(data, int64(offset))
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		fh.logger.Errorf("read error on '%s': %v", fh.filePath, err)
		data = nil
		err = ErrServerDeviceFailure
	}

	return
}

// Stores data received for fileNo/recordNo into the local file.
func (fh *FileHandler) writeLocalFile(fileNo uint16, recordNo uint16, data []byte) (err error) {
	var index int
	var addr uint32

	fh.lock.Lock()
	defer fh.lock.Unlock()

	if fh.readOnly {
		err = ErrReadOnly
		return
	}

	index, addr = fh.locate(fileNo, recordNo)
	fh.switchTo(index)

	if fh.useP44Header && (!fh.validHeader || addr < uint32(fh.layout.firstDataRecord)) {
		if addr != 0 || len(data) < p44HeaderLength {
			// the header must come first, and in one piece
			err = ErrHeaderMismatch
			return
		}

		err = fh.writeHeader(data)
		return
	}

	err = fh.writeData(addr-uint32(fh.layout.firstDataRecord), data)

	return
}

// Initializes a transfer from a received header, or validates it against
// the transfer of the same file already in progress.
func (fh *FileHandler) writeHeader(data []byte) (err error) {
	var h *p44Header
	var fi os.FileInfo

	h, err = parseP44Header(data)
	if err != nil {
		return
	}

	if !h.consistent() {
		fh.logger.Warningf("header declares %d segment(s) for %d bytes", h.neededSegments, h.size)
		err = ErrHeaderMismatch
		return
	}

	if h.neededSegments > uint8(min(int(fh.maxSegments), 0xff)) {
		err = ErrFileTooLarge
		return
	}

	if fh.validHeader && h.size == fh.layout.size && h.crc == fh.layout.crc {
		if !h.sameLayout(&fh.layout) {
			fh.logger.Warningf("layout change in mid-transfer rejected")
			err = ErrHeaderMismatch
		}
		return
	}

	fh.closeFile()
	fh.resetTransfer()
	fh.filePath = fh.writePath(fh.fileIndex)

	if fh.finalPathTemplate != "" {
		// start from scratch in the temporary file
		err = os.Remove(fh.filePath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			fh.logger.Errorf("cannot remove stale '%s': %v", fh.filePath, err)
			err = ErrServerDeviceFailure
			return
		}
		err = nil
	}

	err = fh.openForWrite()
	if err != nil {
		return
	}

	fi, err = fh.file.Stat()
	if err == nil && fi.Size() > int64(h.size) {
		err = fh.file.Truncate(int64(h.size))
	}
	if err != nil {
		fh.logger.Errorf("cannot prepare '%s': %v", fh.filePath, err)
		err = ErrServerDeviceFailure
		return
	}

	fh.layout = *h
	fh.layout.firstMissing = noneMissing
	fh.layoutKnown = true
	fh.validHeader = true
	fh.nextExpected = 0

	fh.logger.Infof("receiving '%s': %d bytes, crc 0x%08x, %d segment(s), %d word(s) per record",
		fh.filePath, h.size, h.crc, h.neededSegments, h.singleRecordLength)

	fh.checkComplete()

	return
}

// Writes data starting at data record d and updates missing block tracking.
func (fh *FileHandler) writeData(d uint32, data []byte) (err error) {
	var offset uint64
	var records uint32

	if !fh.layoutKnown {
		fh.layout = fh.plainLayout()
		fh.layoutKnown = true
	}

	if fh.useP44Header && fh.nextExpected == noneMissing {
		// already complete, late duplicates change nothing
		return
	}

	err = fh.openForWrite()
	if err != nil {
		return
	}

	offset = uint64(d) * fh.recordBytes()
	records = uint32((uint64(len(data)) + fh.recordBytes() - 1) / fh.recordBytes())

	if fh.useP44Header {
		// never write beyond the declared size
		if offset >= uint64(fh.layout.size) {
			data = nil
		} else if offset+uint64(len(data)) > uint64(fh.layout.size) {
			data = data[:uint64(fh.layout.size)-offset]
		}
	}

	if len(data) > 0 {
		_, err = fh.file.WriteAt(data, int64(offset))
		if err != nil {
			fh.logger.Errorf("write error on '%s': %v", fh.filePath, err)
			err = ErrServerDeviceFailure
			return
		}
		fh.localCRCValid = false
	}

	if fh.useP44Header {
		fh.trackRecords(d, records)
		fh.checkComplete()
	}

	return
}

// Updates next expected/missing data records after records [d, d+n) arrived.
func (fh *FileHandler) trackRecords(d uint32, n uint32) {
	var rpc = fh.recordsPerChunk()

	switch {
	case d == fh.nextExpected:
		fh.nextExpected = d + n
	case d > fh.nextExpected:
		// whatever lies in between went missing, one chunk at a time
		for r := fh.nextExpected; r < d; r += rpc {
			fh.addMissing(r)
		}
		fh.nextExpected = d + n
	default:
		fh.removeMissing(d, n)
		if d+n > fh.nextExpected {
			fh.nextExpected = d + n
		}
	}

	return
}

func (fh *FileHandler) addMissing(r uint32) {
	var i int

	i = sort.Search(len(fh.missing), func(i int) bool { return fh.missing[i] >= r })
	if i < len(fh.missing) && fh.missing[i] == r {
		return
	}

	fh.missing = append(fh.missing, 0)
	copy(fh.missing[i+1:], fh.missing[i:])
	fh.missing[i] = r

	return
}

// Drops missing entries covered by records [d, d+n). An entry whose chunk
// reaches beyond the covered range leaves the uncovered rest missing.
func (fh *FileHandler) removeMissing(d uint32, n uint32) {
	var rpc = fh.recordsPerChunk()
	var kept []uint32
	var rest []uint32

	for _, m := range fh.missing {
		if m < d || m >= d+n {
			kept = append(kept, m)
			continue
		}
		if m+rpc > d+n && d+n < fh.nextExpected {
			rest = append(rest, d+n)
		}
	}

	fh.missing = kept
	for _, r := range rest {
		fh.addMissing(r)
	}

	return
}

// Marks the transfer complete once everything up to the declared size is in.
func (fh *FileHandler) checkComplete() {
	if fh.nextExpected == noneMissing || len(fh.missing) > 0 {
		return
	}

	if fh.nextExpected >= dataRecords(fh.layout.size, fh.layout.singleRecordLength) {
		fh.nextExpected = noneMissing
		fh.pendingFinalize = true
	}

	return
}
