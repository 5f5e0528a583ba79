package registry

// Delivery pushes never wait on the recipient. A connection whose send
// buffer rejects a payload is closed; its transport then unregisters it and
// the usual offline cascade runs.

// DeliverTo pushes payload to a single connection.
func (r *Registry) DeliverTo(id ConnectionID, payload []byte) bool {
	conn, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return r.push(id, conn, payload)
}

// Deliver pushes payload to every connection of identity and returns the
// number of successful pushes.
func (r *Registry) Deliver(identity Identity, payload []byte) int {
	return r.DeliverMany([]Identity{identity}, payload)
}

// DeliverMany pushes payload once to every distinct connection belonging to
// any of identities. Repeated identities do not cause repeated pushes.
func (r *Registry) DeliverMany(identities []Identity, payload []byte) int {
	targets := r.snapshotTargets(identities, "")
	return r.pushAll(targets, payload)
}

// DeliverExcept behaves like Deliver but skips the connection skip.
func (r *Registry) DeliverExcept(identity Identity, skip ConnectionID, payload []byte) int {
	targets := r.snapshotTargets([]Identity{identity}, skip)
	return r.pushAll(targets, payload)
}

func (r *Registry) snapshotTargets(identities []Identity, skip ConnectionID) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[ConnectionID]struct{})
	var targets []*entry
	for _, identity := range identities {
		for id, e := range r.byUser[identity] {
			if id == skip {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, e)
		}
	}
	return targets
}

func (r *Registry) pushAll(targets []*entry, payload []byte) int {
	delivered := 0
	for _, e := range targets {
		if r.push(e.id, e.conn, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) push(id ConnectionID, conn Conn, payload []byte) bool {
	if conn.Send(payload) {
		return true
	}
	r.logger.Warn("dropping connection after failed push", "identity", conn.Identity(), "conn", id)
	conn.Close()
	return false
}
