package sshfsmount

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
)

// rootHandlers implements sftp.Handlers over a single host directory,
// translating uid/gid by uidMap/gidMap at the I/O boundary: Filelist
// responses present the host file's owner mapped host→guest, while Filecmd
// requests carrying an owner (Setstat chown) map guest→host before they
// reach the filesystem.
type rootHandlers struct {
	root   string
	uidMap IDMap
	gidMap IDMap
}

func newRootHandlers(root string, uidMap, gidMap IDMap) sftp.Handlers {
	h := &rootHandlers{root: root, uidMap: uidMap, gidMap: gidMap}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// resolve joins a request path under root, rejecting any path that would
// escape it.
func (h *rootHandlers) resolve(reqPath string) (string, error) {
	cleaned := filepath.Clean("/" + reqPath)
	full := filepath.Join(h.root, cleaned)
	if full != h.root && !strings.HasPrefix(full, h.root+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	return full, nil
}

func (h *rootHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	full, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (h *rootHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	full, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if r.Pflags().Append {
		flags |= os.O_APPEND
	}
	if r.Pflags().Trunc {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(full, flags, 0o644)
}

func (h *rootHandlers) Filecmd(r *sftp.Request) error {
	full, err := h.resolve(r.Filepath)
	if err != nil {
		return err
	}

	switch r.Method {
	case "Setstat":
		return h.setstat(full, r)
	case "Rename":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Rename(full, target)
	case "Rmdir":
		return os.Remove(full)
	case "Remove":
		return os.Remove(full)
	case "Mkdir":
		return os.Mkdir(full, 0o755)
	case "Symlink":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Symlink(target, full)
	case "Link":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Link(target, full)
	default:
		return sftp.ErrSshFxOpUnsupported
	}
}

func (h *rootHandlers) setstat(full string, r *sftp.Request) error {
	attrs := r.Attributes()
	if attrs.UID != 0 || attrs.GID != 0 {
		hostUID := int(h.uidMap.Reverse(int(attrs.UID)))
		hostGID := int(h.gidMap.Reverse(int(attrs.GID)))
		if err := os.Chown(full, hostUID, hostGID); err != nil {
			return err
		}
	}
	if attrs.Mode != 0 {
		if err := os.Chmod(full, os.FileMode(attrs.Mode).Perm()); err != nil {
			return err
		}
	}
	if attrs.Size != 0 {
		if err := os.Truncate(full, int64(attrs.Size)); err != nil {
			return err
		}
	}
	return nil
}

func (h *rootHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	full, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	switch r.Method {
	case "List":
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, h.mappedInfo(info))
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		info, err := os.Lstat(full)
		if err != nil {
			return nil, err
		}
		return listerAt([]os.FileInfo{h.mappedInfo(info)}), nil
	default:
		return nil, sftp.ErrSshFxOpUnsupported
	}
}

// mappedInfo wraps a host os.FileInfo so its Sys() reports owner ids
// translated host→guest for presentation to the remote sshfs client.
func (h *rootHandlers) mappedInfo(info os.FileInfo) os.FileInfo {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info
	}
	mapped := *stat
	mapped.Uid = uint32(h.uidMap.Forward(int(stat.Uid)))
	mapped.Gid = uint32(h.gidMap.Forward(int(stat.Gid)))
	return mappedFileInfo{FileInfo: info, stat: mapped}
}

type mappedFileInfo struct {
	os.FileInfo
	stat syscall.Stat_t
}

func (m mappedFileInfo) Sys() any { return &m.stat }

type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
