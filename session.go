package cancat

import (
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// SessionFileVersion is written to every saved session.
const SessionFileVersion = 1.0

var (
	// ErrNoFilename is returned by SaveSessionToFile when no file name was given
	// and the session was never saved before.
	ErrNoFilename = errors.New("no session file name")

	// ErrActiveSession is returned when restoring a session over a live transport
	// without forcing it.
	ErrActiveSession = errors.New("refusing to restore a session while the transport is active")

	// ErrUnknownBookmark is returned for bookmark indexes that were never placed.
	ErrUnknownBookmark = errors.New("unknown bookmark")
)

// BookmarkInfo describes a bookmark.
type BookmarkInfo struct {
	Name    string `msgpack:"name"`
	Comment string `msgpack:"comment"`
}

// SavedMessage is a mailbox message as stored in a session file. The timestamp is
// in seconds since the epoch.
type SavedMessage struct {
	_msgpack struct{} `msgpack:",as_array"`

	Timestamp float64
	Payload   []byte
}

// SavedSession is everything needed to pick up an analysis session later.
type SavedSession struct {
	Messages     map[int][]SavedMessage `msgpack:"messages"`
	Bookmarks    []int                  `msgpack:"bookmarks"`
	BookmarkInfo map[int]BookmarkInfo   `msgpack:"bookmark_info"`
	Comments     []string               `msgpack:"comments"`
	FileVersion  float64                `msgpack:"file_version"`
	Config       map[string]interface{} `msgpack:"config"`
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// Session returns a copy of the current session.
func (d *Device) Session() *SavedSession {
	s := &SavedSession{
		Messages:     make(map[int][]SavedMessage),
		BookmarkInfo: make(map[int]BookmarkInfo),
		FileVersion:  SessionFileVersion,
		Config:       make(map[string]interface{}),
	}
	for cat, msgs := range d.mailbox.Snapshot() {
		saved := make([]SavedMessage, len(msgs))
		for i, m := range msgs {
			saved[i] = SavedMessage{Timestamp: toSeconds(m.Timestamp), Payload: m.Payload}
		}
		s.Messages[cat] = saved
	}

	d.smu.Lock()
	defer d.smu.Unlock()
	s.Bookmarks = append([]int(nil), d.bookmarks...)
	for k, v := range d.bookmarkInfo {
		s.BookmarkInfo[k] = v
	}
	s.Comments = append([]string(nil), d.comments...)
	for k, v := range d.config {
		s.Config[k] = v
	}
	return s
}

// RestoreSession replaces the mailbox, bookmarks, comments and config with s. It
// refuses while a transport is attached unless force is set.
func (d *Device) RestoreSession(s *SavedSession, force bool) error {
	if d.Connected() && !force {
		return ErrActiveSession
	}

	boxes := make(map[int][]Message, len(s.Messages))
	for cat, saved := range s.Messages {
		msgs := make([]Message, len(saved))
		for i, m := range saved {
			msgs[i] = Message{Timestamp: fromSeconds(m.Timestamp), Payload: m.Payload}
		}
		boxes[cat] = msgs
	}
	d.mailbox.Restore(boxes)

	d.smu.Lock()
	defer d.smu.Unlock()
	d.bookmarks = append([]int(nil), s.Bookmarks...)
	d.bookmarkInfo = make(map[int]BookmarkInfo, len(s.BookmarkInfo))
	for k, v := range s.BookmarkInfo {
		d.bookmarkInfo[k] = v
	}
	d.comments = append([]string(nil), s.Comments...)
	d.config = make(map[string]interface{})
	// files written before versioning carry no usable config
	if s.FileVersion != 0 {
		for k, v := range s.Config {
			d.config[k] = v
		}
	}
	return nil
}

// SaveSession writes the current session to w.
func (d *Device) SaveSession(w io.Writer) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(d.Session()); err != nil {
		return errors.Wrap(err, "encoding session")
	}
	return nil
}

// ReadSession decodes a session written by SaveSession.
func ReadSession(r io.Reader) (*SavedSession, error) {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var s SavedSession
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decoding session")
	}
	return &s, nil
}

// LoadSession reads a session written by SaveSession and restores it.
func (d *Device) LoadSession(r io.Reader, force bool) error {
	s, err := ReadSession(r)
	if err != nil {
		return err
	}
	return d.RestoreSession(s, force)
}

// SaveSessionToFile saves the session to the named file. An empty name reuses the
// name of the last file saved or loaded.
func (d *Device) SaveSessionToFile(name string) error {
	d.smu.Lock()
	if name == "" {
		name = d.filename
	}
	d.smu.Unlock()
	if name == "" {
		return ErrNoFilename
	}

	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "creating session file")
	}
	if err := d.SaveSession(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing session file")
	}

	d.smu.Lock()
	d.filename = name
	d.smu.Unlock()
	return nil
}

// LoadSessionFile restores the session saved in the named file.
func (d *Device) LoadSessionFile(name string, force bool) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "opening session file")
	}
	defer f.Close()

	if err := d.LoadSession(f, force); err != nil {
		return err
	}
	d.smu.Lock()
	d.filename = name
	d.smu.Unlock()
	return nil
}

// AddComment adds a free-form comment to the session.
func (d *Device) AddComment(comment string) {
	d.smu.Lock()
	defer d.smu.Unlock()
	d.comments = append(d.comments, comment)
}

// Comments returns the session comments.
func (d *Device) Comments() []string {
	d.smu.Lock()
	defer d.smu.Unlock()
	return append([]string(nil), d.comments...)
}

// Config returns the transceiver settings recorded in the session.
func (d *Device) Config() map[string]interface{} {
	d.smu.Lock()
	defer d.smu.Unlock()
	out := make(map[string]interface{}, len(d.config))
	for k, v := range d.config {
		out[k] = v
	}
	return out
}

// PlaceBookmark records the current CAN message count under a new bookmark and
// returns the bookmark's index. Messages taken with CANrecv shift the capture
// and invalidate bookmarks.
func (d *Device) PlaceBookmark(name, comment string) int {
	idx := d.CANMessageCount()

	d.smu.Lock()
	defer d.smu.Unlock()
	b := len(d.bookmarks)
	d.bookmarks = append(d.bookmarks, idx)
	d.bookmarkInfo[b] = BookmarkInfo{Name: name, Comment: comment}
	return b
}

// Bookmarks returns the message index of every bookmark.
func (d *Device) Bookmarks() []int {
	d.smu.Lock()
	defer d.smu.Unlock()
	return append([]int(nil), d.bookmarks...)
}

// Bookmark returns the name and comment of bookmark b.
func (d *Device) Bookmark(b int) (BookmarkInfo, error) {
	d.smu.Lock()
	defer d.smu.Unlock()
	if b < 0 || b >= len(d.bookmarks) {
		return BookmarkInfo{}, errors.Wrapf(ErrUnknownBookmark, "%d", b)
	}
	return d.bookmarkInfo[b], nil
}

// BookmarkMessageIndex returns the CAN message index bookmark b points at.
func (d *Device) BookmarkMessageIndex(b int) (int, error) {
	d.smu.Lock()
	defer d.smu.Unlock()
	if b < 0 || b >= len(d.bookmarks) {
		return 0, errors.Wrapf(ErrUnknownBookmark, "%d", b)
	}
	return d.bookmarks[b], nil
}

// BookmarkFromMessageIndex returns the first bookmark pointing at message idx.
func (d *Device) BookmarkFromMessageIndex(idx int) (int, error) {
	d.smu.Lock()
	defer d.smu.Unlock()
	for b, i := range d.bookmarks {
		if i == idx {
			return b, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownBookmark, "at message %d", idx)
}

// SetBookmarkName renames bookmark b.
func (d *Device) SetBookmarkName(b int, name string) error {
	return d.updateBookmark(b, func(info *BookmarkInfo) { info.Name = name })
}

// SetBookmarkComment sets the comment of bookmark b.
func (d *Device) SetBookmarkComment(b int, comment string) error {
	return d.updateBookmark(b, func(info *BookmarkInfo) { info.Comment = comment })
}

func (d *Device) updateBookmark(b int, fn func(*BookmarkInfo)) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if b < 0 || b >= len(d.bookmarks) {
		return errors.Wrapf(ErrUnknownBookmark, "%d", b)
	}
	info := d.bookmarkInfo[b]
	fn(&info)
	d.bookmarkInfo[b] = info
	return nil
}
