package engine

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/partition"
	"github.com/pthm-cable/sphtasks/task"
)

// Tags of the collective exchanges. Task messages use non-negative tags
// derived from the cell tags.
const (
	tagCells  = -1
	tagStrays = -2
)

// Proxy holds the cells this rank shares with one other rank.
type Proxy struct {
	NodeID   int
	CellsIn  []*cell.Cell // Foreign top cells mirrored here
	CellsOut []*cell.Cell // Local top cells mirrored there
}

// MakeProxies finds, for every other rank, the foreign top cells next to a
// local one and the local top cells next to a foreign one. Both lists are in
// top cell order so the two ends of a proxy agree.
func (e *Engine) MakeProxies() error {
	s := e.Space
	e.Proxies = nil
	index := make(map[int]int)
	in := make(map[*cell.Cell]bool)
	for _, c := range s.CellsTop {
		c.SendTo = nil
	}

	proxy := func(node int) (int, error) {
		if pid, ok := index[node]; ok {
			return pid, nil
		}
		if limit := e.cfg.Domain.MaxProxies; limit > 0 && len(e.Proxies) >= limit {
			return 0, eris.Errorf("rank %d needs more than %d proxies", e.NodeID, limit)
		}
		index[node] = len(e.Proxies)
		e.Proxies = append(e.Proxies, &Proxy{NodeID: node})
		return index[node], nil
	}
	link := func(local, foreign *cell.Cell) error {
		pid, err := proxy(foreign.NodeID)
		if err != nil {
			return err
		}
		p := e.Proxies[pid]
		if !in[foreign] {
			in[foreign] = true
			p.CellsIn = append(p.CellsIn, foreign)
		}
		if !local.SendTo.Contains(uint32(pid)) {
			local.SendTo.Set(uint32(pid))
			p.CellsOut = append(p.CellsOut, local)
		}
		return nil
	}

	for cid, ci := range s.CellsTop {
		ijk := s.TopCoords(cid)
		err := e.forNeighbours(ijk[0], ijk[1], ijk[2], func(cjd int) error {
			cj := s.CellsTop[cjd]
			if cid >= cjd || ci.NodeID == cj.NodeID {
				return nil
			}
			switch e.NodeID {
			case ci.NodeID:
				return link(ci, cj)
			case cj.NodeID:
				return link(cj, ci)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	byTop := func(a, b *cell.Cell) int { return cmp.Compare(a.TopID, b.TopID) }
	for _, p := range e.Proxies {
		slices.SortFunc(p.CellsIn, byTop)
		slices.SortFunc(p.CellsOut, byTop)
	}
	slog.Debug("proxies", "rank", e.NodeID, "count", len(e.Proxies))
	return nil
}

// ExchangeCells sends the shape of every local tree a neighbour needs and
// rebuilds the foreign trees from what the neighbours send back. The
// foreign trees are linked to a fresh foreign particle array, filled by the
// receive tasks.
func (e *Engine) ExchangeCells() error {
	s := e.Space
	packed := make(map[*cell.Cell][]cell.PCell)
	for _, p := range e.Proxies {
		var buf []cell.PCell
		for _, c := range p.CellsOut {
			pc, ok := packed[c]
			if !ok {
				pc = c.Pack(nil, s.NextTag)
				packed[c] = pc
			}
			buf = append(buf, pc...)
		}
		if _, err := comm.Isend(e.comm, p.NodeID, tagCells, buf); err != nil {
			return eris.Wrapf(err, "sending cells to rank %d", p.NodeID)
		}
	}

	count, gcount := 0, 0
	for _, p := range e.Proxies {
		req, slot, err := comm.IrecvAny[cell.PCell](e.comm, p.NodeID, tagCells)
		if err != nil {
			return eris.Wrapf(err, "receiving cells from rank %d", p.NodeID)
		}
		if err := req.Wait(); err != nil {
			return eris.Wrapf(err, "receiving cells from rank %d", p.NodeID)
		}
		buf := *slot
		offset := 0
		for _, c := range p.CellsIn {
			if offset >= len(buf) {
				return eris.Errorf("rank %d sent %d pcells, too few for %d cells", p.NodeID, len(buf), len(p.CellsIn))
			}
			offset += s.Unpack(buf[offset:], c)
			count += c.RemoteCount
			gcount += c.RemoteGCount
		}
		if offset != len(buf) {
			return eris.Errorf("rank %d sent %d pcells, used %d", p.NodeID, len(buf), offset)
		}
	}

	if cap(s.PartsForeign) < count {
		s.PartsForeign = make([]part.Part, count)
	}
	s.PartsForeign = s.PartsForeign[:count]
	s.GPartsForeign = nil
	offset := 0
	for _, p := range e.Proxies {
		for _, c := range p.CellsIn {
			offset += c.LinkParts(s.PartsForeign[offset:], offset)
			c.RemoteGCount = 0
		}
	}
	slog.Debug("cells exchanged", "rank", e.NodeID, "foreign_parts", count, "foreign_gparts_dropped", gcount)
	return nil
}

// ExchangeStrays hands every particle that left this rank's cells to the
// rank owning its new cell. Every pair of ranks exchanges a batch, possibly
// empty.
func (e *Engine) ExchangeStrays() error {
	out, err := e.Space.ExtractStrays()
	if err != nil {
		return err
	}
	sent := 0
	for node := 0; node < e.NrNodes; node++ {
		if node == e.NodeID {
			continue
		}
		b := out[node]
		if b == nil {
			b = &cell.Strays{}
		}
		sent += b.Len()
		if _, err := comm.Isend(e.comm, node, tagStrays, []cell.Strays{*b}); err != nil {
			return eris.Wrapf(err, "sending strays to rank %d", node)
		}
	}

	got := 0
	for node := 0; node < e.NrNodes; node++ {
		if node == e.NodeID {
			continue
		}
		req, slot, err := comm.IrecvAny[cell.Strays](e.comm, node, tagStrays)
		if err != nil {
			return eris.Wrapf(err, "receiving strays from rank %d", node)
		}
		if err := req.Wait(); err != nil {
			return eris.Wrapf(err, "receiving strays from rank %d", node)
		}
		for i := range *slot {
			b := &(*slot)[i]
			got += b.Len()
			if err := e.Space.AppendStrays(b); err != nil {
				return err
			}
		}
	}
	if sent > 0 || got > 0 {
		slog.Debug("strays exchanged", "rank", e.NodeID, "sent", sent, "received", got)
	}
	return nil
}

// split makes the initial decomposition from the global particle counts and
// sets up the proxies.
func (e *Engine) split() error {
	counts, err := e.comm.AllReduce(partition.CellCounts(e.Space), comm.Sum)
	if err != nil {
		return eris.Wrap(err, "reducing cell counts")
	}
	typ, err := partition.ParseInitial(e.cfg.Domain.InitialType)
	if err != nil {
		return err
	}
	if err := partition.Initial(typ, e.cfg.Domain.InitialGrid, e.Space, e.NrNodes, counts); err != nil {
		return eris.Wrap(err, "initial partition")
	}
	if e.NodeID == 0 {
		owned := make([]int, e.NrNodes)
		for _, c := range e.Space.CellsTop {
			owned[c.NodeID]++
		}
		slog.Info("initial partition", "type", string(typ), "cells_per_rank", owned)
	}
	return e.MakeProxies()
}

// addSendTasks adds the particle and time-step sends of local cell ci to the
// rank owning cj, at the highest cell of the tree that has a density
// interaction with that rank.
func (e *Engine) addSendTasks(ci, cj *cell.Cell, tasks *sendTasks) error {
	sched := e.Sched
	node := cj.NodeID

	if tasks == nil && e.hasDensityWith(ci, node) {
		tag := 4 * ci.Tag
		sup := ci.Super
		var st sendTasks
		var err error
		if st.xv, err = sched.AddTask(task.TypeSend, task.SubtypeNone, tag, ci, cj, false); err != nil {
			return err
		}
		if st.rho, err = sched.AddTask(task.TypeSend, task.SubtypeNone, tag+1, ci, cj, false); err != nil {
			return err
		}
		st.ti, st.gradient = cell.NoTask, cell.NoTask
		if !e.Policy.Has(PolicyFixDt) {
			if st.ti, err = sched.AddTask(task.TypeSend, task.SubtypeTend, tag+2, ci, cj, false); err != nil {
				return err
			}
		}
		if e.Policy.Has(PolicyExtraHydroLoop) {
			if st.gradient, err = sched.AddTask(task.TypeSend, task.SubtypeGradient, tag+3, ci, cj, false); err != nil {
				return err
			}
		}

		sched.AddUnlock(st.xv, sup.Ghost)
		sched.AddUnlock(sup.Ghost, st.rho)
		if st.gradient != cell.NoTask {
			sched.AddUnlock(st.rho, sup.ExtraGhost)
			sched.AddUnlock(sup.ExtraGhost, st.gradient)
			sched.AddUnlock(st.gradient, sup.Kick)
		} else {
			sched.AddUnlock(st.rho, sup.Kick)
		}
		if st.ti != cell.NoTask {
			sched.AddUnlock(sup.Kick, st.ti)
		}
		tasks = &st
	}

	if tasks != nil {
		ci.SendXV = append(ci.SendXV, tasks.xv)
		ci.SendRho = append(ci.SendRho, tasks.rho)
		if tasks.gradient != cell.NoTask {
			ci.SendGradient = append(ci.SendGradient, tasks.gradient)
		}
		if tasks.ti != cell.NoTask {
			ci.SendTi = append(ci.SendTi, tasks.ti)
		}
	}
	for _, cp := range ci.Progeny {
		if cp != nil {
			if err := e.addSendTasks(cp, cj, tasks); err != nil {
				return err
			}
		}
	}
	return nil
}

type sendTasks struct {
	xv, rho, gradient, ti int32
}

// hasDensityWith reports whether a density task of c involves a cell of
// rank node.
func (e *Engine) hasDensityWith(c *cell.Cell, node int) bool {
	for _, tid := range c.Density {
		t := e.Sched.Task(tid)
		if t.Ci.NodeID == node || (t.Cj != nil && t.Cj.NodeID == node) {
			return true
		}
	}
	return false
}

// addRecvTasks adds the receives of foreign cell c at the highest cell of
// its tree with density interactions and hooks them around the local tasks
// reading the foreign particles.
func (e *Engine) addRecvTasks(c *cell.Cell, tasks *recvTasks) error {
	sched := e.Sched
	if tasks == nil && len(c.Density) > 0 {
		tag := 4 * c.Tag
		rt := recvTasks{ti: cell.NoTask, gradient: cell.NoTask}
		var err error
		if rt.xv, err = sched.AddTask(task.TypeRecv, task.SubtypeNone, tag, c, nil, false); err != nil {
			return err
		}
		if rt.rho, err = sched.AddTask(task.TypeRecv, task.SubtypeNone, tag+1, c, nil, false); err != nil {
			return err
		}
		if !e.Policy.Has(PolicyFixDt) {
			if rt.ti, err = sched.AddTask(task.TypeRecv, task.SubtypeTend, tag+2, c, nil, false); err != nil {
				return err
			}
		}
		if e.Policy.Has(PolicyExtraHydroLoop) {
			if rt.gradient, err = sched.AddTask(task.TypeRecv, task.SubtypeGradient, tag+3, c, nil, false); err != nil {
				return err
			}
		}
		tasks = &rt
	}

	if tasks != nil {
		c.RecvXV, c.RecvRho, c.RecvGradient, c.RecvTi = tasks.xv, tasks.rho, tasks.gradient, tasks.ti
		for _, tid := range c.Density {
			sched.AddUnlock(tasks.xv, tid)
			sched.AddUnlock(tid, tasks.rho)
			// The ghost of the local side rereads c while iterating h, so
			// the particles of c are only replaced once it is done.
			if ghost := e.localGhost(sched.Task(tid)); ghost != cell.NoTask {
				sched.AddUnlock(ghost, tasks.rho)
				if tasks.gradient != cell.NoTask {
					sched.AddUnlock(ghost, tasks.gradient)
				}
			}
		}
		beforeForce := tasks.rho
		if tasks.gradient != cell.NoTask {
			for _, tid := range c.Gradient {
				sched.AddUnlock(tasks.rho, tid)
				sched.AddUnlock(tid, tasks.gradient)
			}
			beforeForce = tasks.gradient
		}
		for _, tid := range c.Force {
			sched.AddUnlock(beforeForce, tid)
			if tasks.ti != cell.NoTask {
				sched.AddUnlock(tid, tasks.ti)
			}
		}
		if c.Sorts != cell.NoTask {
			sched.AddUnlock(tasks.xv, c.Sorts)
		}
	}
	for _, cp := range c.Progeny {
		if cp != nil {
			if err := e.addRecvTasks(cp, tasks); err != nil {
				return err
			}
		}
	}
	return nil
}

// localGhost returns the ghost of the super-cell of the local cell of a
// pair with a foreign cell.
func (e *Engine) localGhost(t *task.Task) int32 {
	local := t.Ci
	if local.NodeID != e.NodeID {
		local = t.Cj
	}
	if local == nil || local.NodeID != e.NodeID || local.Super == nil {
		return cell.NoTask
	}
	return local.Super.Ghost
}

type recvTasks struct {
	xv, rho, gradient, ti int32
}

// transport posts the messages of send and receive tasks on the
// communicator. Particle messages carry the cell's parts; time-step
// messages carry the pre-order ti_end_min list of the subtree.
type transport struct {
	comm *comm.Comm
}

func (tr *transport) Post(t *task.Task) error {
	var req *comm.Request
	var err error
	switch t.Type {
	case task.TypeSend:
		if t.Subtype == task.SubtypeTend {
			req, err = comm.Isend(tr.comm, t.Cj.NodeID, t.Flags, t.Ci.PackTiEnds(nil))
		} else {
			// Copied under the cell lock once local tasks release ci.
			req, err = comm.IsendDeferred(tr.comm, t.Cj.NodeID, t.Flags, t.Ci.Parts)
		}
	case task.TypeRecv:
		if t.Subtype == task.SubtypeTend {
			var slot *[]int
			req, slot, err = comm.IrecvAny[int](tr.comm, t.Ci.NodeID, t.Flags)
			if err == nil {
				t.Buff = slot
			}
		} else {
			req, err = comm.Irecv(tr.comm, t.Ci.NodeID, t.Flags, t.Ci.Parts)
		}
	default:
		return eris.Errorf("cannot post a %s task", t.Type)
	}
	if err != nil {
		return err
	}
	t.Req = req
	return nil
}
