package graph

import "github.com/bittoy/subjectgraph/subject"

// WalkEntry pairs a subject reachable from a walk root with its dotted
// path from that root (spec §6 SubjectGraph.walk).
type WalkEntry struct {
	Subject *subject.Subject
	Path    string
}

// Walk performs a breadth-first traversal of every subject reachable from
// root through non-derived properties, one level of containment at a time
// (spec §3 "Graph edge"), tolerant of cycles via a visited set independent
// of any registry's reference counts.
func Walk(root *subject.Subject) []WalkEntry {
	var out []WalkEntry
	visited := map[*subject.Subject]struct{}{root: {}}
	queue := []WalkEntry{{Subject: root, Path: ""}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)

		for _, name := range cur.Subject.Properties() {
			if cur.Subject.IsDerived(name) {
				continue
			}
			v, err := cur.Subject.RawGet(name)
			if err != nil {
				continue
			}
			for _, c := range subjectsIn(v) {
				if _, seen := visited[c.subject]; seen {
					continue
				}
				visited[c.subject] = struct{}{}
				queue = append(queue, WalkEntry{Subject: c.subject, Path: joinPath(cur.Path, name, c.index)})
			}
		}
	}
	return out
}
