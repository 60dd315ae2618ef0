package transport

// AVL tree used to index the TX queue (by deadline/sequence) and, via a distinct
// predicate, the outgoing-transfer registry (by its (DataTypeID, TxKind, NodeID)
// key). Adapted from the teacher's avl.go; the algorithm itself is unchanged since
// it is already generic over predicate/factory callbacks.

type treeNode struct {
	up *treeNode
	lr [2]*treeNode
	bf int8
}

func avlSearch(root **treeNode, userRef any, predicate func(any, *treeNode) int8, factory func(any) *treeNode) (*treeNode, error) {
	var out *treeNode
	switch {
	case root == nil || predicate == nil:
		return out, ErrInvalidArgument
	case *root == nil && factory == nil:
		return out, ErrAVLNilRoot
	}
	up := *root
	n := root
	for *n != nil {
		cmp := predicate(userRef, *n)
		if cmp == 0 {
			return *n, nil
		}
		up = *n
		n = &up.lr[b2i(cmp > 0)]
		if *n != nil && (*n).up != up {
			panic("transport: bad up pointer in avl tree")
		}
	}
	if factory == nil {
		return nil, ErrAVLNodeNotFound
	}

	out = factory(userRef)
	*n = out
	out.up = up
	out.lr = [2]*treeNode{}
	out.bf = 0
	rt := avlRetraceOnGrowth(out)
	if rt != nil {
		*root = rt
	}
	return out, nil
}

func avlRetraceOnGrowth(added *treeNode) *treeNode {
	if added == nil || added.bf != 0 {
		panic("transport: avl retrace on non-leaf node")
	}
	c := added
	p := added.up
	for p != nil {
		r := p.lr[1] == c
		if p.lr[b2i(r)] != c {
			panic("transport: avl bad balance")
		}
		c = avlAdjustBalance(p, r)
		p = c.up
		if c.bf == 0 {
			break
		}
	}
	if p != nil {
		c = nil
	}
	return c
}

func avlAdjustBalance(x *treeNode, increment bool) *treeNode {
	if x == nil || !(x.bf >= -1 && x.bf <= 1) {
		panic("transport: avl bad node balance factor")
	}
	out := x
	newBf := x.bf + 1
	if !increment {
		newBf -= 2
	}
	if newBf >= -1 && newBf <= 1 {
		x.bf = newBf
		return out
	}
	r := newBf < 0
	sign := bsign(r)
	z := x.lr[b2i(!r)]
	if z == nil {
		panic("transport: avl nil rotation pivot")
	}
	if z.bf*sign <= 0 {
		out = z
		avlRotate(x, r)
		if z.bf == 0 {
			x.bf = -sign
			z.bf = sign
		} else {
			x.bf = 0
			z.bf = 0
		}
	} else {
		y := z.lr[b2i(r)]
		if y == nil {
			panic("transport: avl nil double-rotation pivot")
		}
		out = y
		avlRotate(z, !r)
		avlRotate(x, r)
		switch {
		case y.bf*sign < 0:
			x.bf = sign
			y.bf = 0
			z.bf = 0
		case y.bf*sign > 0:
			x.bf = 0
			y.bf = 0
			z.bf = -sign
		default:
			x.bf = 0
			z.bf = 0
		}
	}
	return out
}

func avlRotate(x *treeNode, r bool) {
	if x == nil || x.lr[b2i(!r)] == nil || !(x.bf >= -1 && x.bf <= 1) {
		panic("transport: avl bad rotate arguments")
	}
	z := x.lr[b2i(!r)]
	if x.up != nil {
		x.up.lr[b2i(x.up.lr[1] == x)] = z
	}
	z.up = x.up
	x.up = z
	x.lr[b2i(!r)] = z.lr[b2i(r)]
	if x.lr[b2i(!r)] != nil {
		x.lr[b2i(!r)].up = x
	}
	z.lr[b2i(r)] = x
}

func avlFindExtremum(root *treeNode, max bool) *treeNode {
	var result *treeNode
	r := b2i(max)
	c := root
	for c != nil {
		result = c
		c = c.lr[r]
	}
	return result
}

func avlRemove(root **treeNode, node *treeNode) {
	if root == nil || node == nil {
		return
	}
	if *root == nil || !(node.up != nil || node == *root) {
		panic("transport: avl remove of node not in tree")
	}
	var p *treeNode
	r := b2i(false)
	if node.lr[0] != nil && node.lr[1] != nil {
		re := avlFindExtremum(node.lr[1], false)
		if re == nil || re.up == nil {
			panic("transport: avl bad successor")
		}
		re.bf = node.bf
		re.lr[0] = node.lr[0]
		re.lr[0].up = re
		if re.up != node {
			p = re.up
			p.lr[0] = re.lr[1]
			if p.lr[0] != nil {
				p.lr[0].up = p
			}
			re.lr[1] = node.lr[1]
			re.lr[1].up = re
			r = 0
		} else {
			p = re
			r = 1
		}
		re.up = node.up
		if re.up != nil {
			re.up.lr[b2i(re.up.lr[1] == node)] = re
		} else {
			*root = re
		}
	} else {
		p = node.up
		rr := b2i(node.lr[1] != nil)
		if node.lr[rr] != nil {
			node.lr[rr].up = p
		}
		if p != nil {
			r = b2i(p.lr[1] == node)
			p.lr[r] = node.lr[rr]
			if p.lr[r] != nil {
				p.lr[r].up = p
			}
		} else {
			*root = node.lr[rr]
		}
	}
	if p == nil {
		return
	}
	var c *treeNode
	for {
		c = avlAdjustBalance(p, r != 1)
		p = c.up
		if c.bf != 0 || p == nil {
			break
		}
		r = b2i(p.lr[1] == c)
	}
	if p == nil {
		*root = c
	}
}

func (root *treeNode) traverse(fn func(n *treeNode)) {
	if root == nil {
		return
	}
	fn(root)
	root.lr[0].traverse(fn)
	root.lr[1].traverse(fn)
}

//go:inline
func bsign(b bool) int8 {
	if b {
		return 1
	}
	return -1
}

//go:inline
func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
