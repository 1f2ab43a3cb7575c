package nsview

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

// NamespaceView maps logical paths, as seen by a target process, to physical paths that
// the caller can open. Containerized and non-containerized targets share it: the
// composition only differs in the root it prepends.
type NamespaceView struct {
	root string
}

// View returns the NamespaceView of a target. Targets sharing the caller's mount
// namespace are reached directly, the rest through <proc>/<pid>/root.
func (r *Resolver) View(t Target) NamespaceView {
	if t.SameMountNamespace {
		return NamespaceView{}
	}
	return NamespaceView{root: filepath.Join(r.procRoot, strconv.Itoa(t.PID), "root")}
}

// RootedView returns a NamespaceView that composes every path under the given root.
func RootedView(root string) NamespaceView {
	return NamespaceView{root: root}
}

// Root of the view. Empty for a direct view.
func (v NamespaceView) Root() string {
	return v.root
}

// Path composes the physical path of a logical absolute path. It fails with
// ErrPathResolution if the result does not fit into PathCapacity.
func (v NamespaceView) Path(logical string) (string, error) {
	return v.compose(logical, PathCapacity)
}

// SocketPath is like Path but the result must also fit into a unix socket address.
func (v NamespaceView) SocketPath(logical string) (string, error) {
	return v.compose(logical, UnixPathMax)
}

func (v NamespaceView) compose(logical string, capacity int) (string, error) {
	if !strings.HasPrefix(logical, "/") {
		return "", errors.Wrapf(attacherr.ErrPathResolution, "%q is not absolute", logical)
	}
	clean := path.Clean(logical)
	p := clean
	if v.root != "" {
		p = v.root + clean
	}
	if err := checkLen(p, capacity); err != nil {
		return "", err
	}
	return p, nil
}
