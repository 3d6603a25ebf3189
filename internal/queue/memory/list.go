package memory

// list is an ordered sequence of message identifiers.
// Index 0 is the head; messages are consumed from the tail.
type list []string

func (l *list) pushHead(id string) {
	*l = append(list{id}, *l...)
}

func (l *list) pushTail(id string) {
	*l = append(*l, id)
}

func (l *list) popTail() (string, bool) {
	n := len(*l)
	if n == 0 {
		return "", false
	}
	id := (*l)[n-1]
	*l = (*l)[:n-1]
	return id, true
}

// remove deletes every occurrence of id and reports how many were removed.
func (l *list) remove(id string) int {
	kept := (*l)[:0]
	removed := 0
	for _, v := range *l {
		if v == id {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	*l = kept
	return removed
}
