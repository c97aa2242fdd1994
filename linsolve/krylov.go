package linsolve

import (
	"context"
	"fmt"
	"math"
)

// PCG is conjugate gradients with a diagonal preconditioner, for symmetric
// systems
type PCG struct {
	Controls
}

func (s *PCG) Name() string { return "PCG" }

func (s *PCG) Solve(ctx context.Context, req *Request) (resp *Response, err error) {
	x, r, rd, nf, res, err := setup(ctx, req)
	if err != nil {
		return
	}
	resp = &Response{X: x, InitialResidual: res, Residual: res}
	if s.converged(res, res, 0) {
		resp.Converged = true
		return
	}
	rD, err := s.preconditioner(req.Diag)
	if err != nil {
		return nil, err
	}
	var (
		n           = len(x)
		w           = make([]float64, n)
		p           = make([]float64, n)
		q           = make([]float64, n)
		wArA, wArA0 float64
	)
	for resp.Iterations < s.MaxIter {
		for i := range w {
			w[i] = rD[i] * r[i]
		}
		wArA0, wArA = wArA, rd.dot(w, r)
		if resp.Iterations == 0 {
			copy(p, w)
		} else {
			beta := wArA / wArA0
			for i := range p {
				p[i] = w[i] + beta*p[i]
			}
		}
		if err = req.Amul(ctx, p, q); err != nil {
			return nil, err
		}
		wApA := rd.dot(p, q)
		if rd.err != nil {
			return nil, rd.err
		}
		if math.Abs(wApA)/nf < VSmall {
			resp.Converged = s.converged(resp.Residual, resp.InitialResidual, resp.Iterations)
			break
		}
		alpha := wArA / wApA
		for i := range x {
			x[i] += alpha * p[i]
			r[i] -= alpha * q[i]
		}
		resp.Iterations++
		resp.Residual = rd.sumMag(r) / nf
		if rd.err != nil {
			return nil, rd.err
		}
		if s.converged(resp.Residual, resp.InitialResidual, resp.Iterations) {
			resp.Converged = true
			break
		}
	}
	return
}

// PBiCGStab is the stabilised bi-conjugate gradient method with a diagonal
// preconditioner, for asymmetric systems
type PBiCGStab struct {
	Controls
}

func (s *PBiCGStab) Name() string { return "PBiCGStab" }

func (s *PBiCGStab) Solve(ctx context.Context, req *Request) (resp *Response, err error) {
	x, r, rd, nf, res, err := setup(ctx, req)
	if err != nil {
		return
	}
	resp = &Response{X: x, InitialResidual: res, Residual: res}
	if s.converged(res, res, 0) {
		resp.Converged = true
		return
	}
	rD, err := s.preconditioner(req.Diag)
	if err != nil {
		return nil, err
	}
	var (
		n                         = len(x)
		rA0                       = append([]float64(nil), r...)
		p                         = make([]float64, n)
		yA                        = make([]float64, n)
		AyA                       = make([]float64, n)
		sA                        = make([]float64, n)
		zA                        = make([]float64, n)
		tA                        = make([]float64, n)
		rA0rA, rA0rA0, alpha, omg float64
	)
	for resp.Iterations < s.MaxIter {
		rA0rA0, rA0rA = rA0rA, rd.dot(rA0, r)
		if rd.err != nil {
			return nil, rd.err
		}
		if math.Abs(rA0rA)/nf < VSmall {
			resp.Converged = s.converged(resp.Residual, resp.InitialResidual, resp.Iterations)
			break
		}
		if resp.Iterations == 0 {
			copy(p, r)
		} else {
			if math.Abs(omg) < VSmall {
				resp.Converged = s.converged(resp.Residual, resp.InitialResidual, resp.Iterations)
				break
			}
			beta := (rA0rA / rA0rA0) * (alpha / omg)
			for i := range p {
				p[i] = r[i] + beta*(p[i]-omg*AyA[i])
			}
		}
		for i := range yA {
			yA[i] = rD[i] * p[i]
		}
		if err = req.Amul(ctx, yA, AyA); err != nil {
			return nil, err
		}
		rA0AyA := rd.dot(rA0, AyA)
		if rd.err != nil {
			return nil, rd.err
		}
		if math.Abs(rA0AyA)/nf < VSmall {
			resp.Converged = s.converged(resp.Residual, resp.InitialResidual, resp.Iterations)
			break
		}
		alpha = rA0rA / rA0AyA
		for i := range sA {
			sA[i] = r[i] - alpha*AyA[i]
		}
		resp.Iterations++
		resp.Residual = rd.sumMag(sA) / nf
		if rd.err != nil {
			return nil, rd.err
		}
		if s.converged(resp.Residual, resp.InitialResidual, resp.Iterations) {
			for i := range x {
				x[i] += alpha * yA[i]
			}
			resp.Converged = true
			break
		}
		for i := range zA {
			zA[i] = rD[i] * sA[i]
		}
		if err = req.Amul(ctx, zA, tA); err != nil {
			return nil, err
		}
		tAtA := rd.dot(tA, tA)
		omg = rd.dot(tA, sA) / math.Max(tAtA, VSmall)
		for i := range x {
			x[i] += alpha*yA[i] + omg*zA[i]
			r[i] = sA[i] - omg*tA[i]
		}
		resp.Residual = rd.sumMag(r) / nf
		if rd.err != nil {
			return nil, rd.err
		}
		if s.converged(resp.Residual, resp.InitialResidual, resp.Iterations) {
			resp.Converged = true
			break
		}
	}
	return
}

// GaussSeidel sweeps the cells in order. Interface terms lag by one sweep.
type GaussSeidel struct {
	Controls
}

func (s *GaussSeidel) Name() string { return "GaussSeidel" }

type rowEntry struct {
	col  int
	coef float64
}

func (s *GaussSeidel) Solve(ctx context.Context, req *Request) (resp *Response, err error) {
	x, r, rd, nf, res, err := setup(ctx, req)
	if err != nil {
		return
	}
	resp = &Response{X: x, InitialResidual: res, Residual: res}
	if s.converged(res, res, 0) {
		resp.Converged = true
		return
	}
	var (
		lower = req.lower()
		rows  = make([][]rowEntry, len(x))
		b     = make([]float64, len(x))
	)
	for c, d := range req.Diag {
		if d == 0 {
			return nil, fmt.Errorf("zero diagonal in row %d", c)
		}
	}
	for f, own := range req.Owner {
		nbr := req.Neighbour[f]
		rows[own] = append(rows[own], rowEntry{nbr, req.Upper[f]})
		rows[nbr] = append(rows[nbr], rowEntry{own, lower[f]})
	}
	for resp.Iterations < s.MaxIter {
		copy(b, req.Source)
		if err = req.addInterfaces(ctx, x, b, -1); err != nil {
			return nil, err
		}
		for c, row := range rows {
			sum := b[c]
			for _, e := range row {
				sum -= e.coef * x[e.col]
			}
			x[c] = sum / req.Diag[c]
		}
		resp.Iterations++
		if err = req.residual(ctx, x, r); err != nil {
			return nil, err
		}
		resp.Residual = rd.sumMag(r) / nf
		if rd.err != nil {
			return nil, rd.err
		}
		if s.converged(resp.Residual, resp.InitialResidual, resp.Iterations) {
			resp.Converged = true
			break
		}
	}
	return
}
